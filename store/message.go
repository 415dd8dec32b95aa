package store

// Direction tells whether a message travelled toward us or toward the peer.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Source identifies who authored a message.
type Source string

const (
	SourceHuman   Source = "human"
	SourceAI      Source = "ai"
	SourceSystem  Source = "system"
	SourceWebhook Source = "webhook"
)

// MessageKind discriminates the message payload union.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// ImagePayload carries an image either as an embedded data URI or as a bare
// external URL pending hydration.
type ImagePayload struct {
	DataURL string `json:"dataUrl"`
	Alt     string `json:"alt,omitempty"`
}

// FilePayload carries a file attachment, same URL semantics as ImagePayload.
type FilePayload struct {
	Name    string `json:"name"`
	Mime    string `json:"mime,omitempty"`
	DataURL string `json:"dataUrl"`
}

// Message is a tagged union over Kind. Exactly one of Text, Image and File is
// meaningful for a given Kind.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Direction      Direction   `json:"direction"`
	Source         Source      `json:"source"`
	Kind           MessageKind `json:"kind"`
	SentAt         int64       `json:"sentAt"`

	Text  string        `json:"text,omitempty"`
	Image *ImagePayload `json:"image,omitempty"`
	File  *FilePayload  `json:"file,omitempty"`

	// Raw keeps a truncated serialization of the original provider payload
	// for webhook-sourced media so download parameters can be recovered later.
	Raw          string `json:"raw,omitempty"`
	RawTruncated bool   `json:"rawTruncated,omitempty"`
}

// MediaDataURL returns the payload URL for media kinds.
func (m *Message) MediaDataURL() (string, bool) {
	switch m.Kind {
	case KindImage:
		if m.Image != nil {
			return m.Image.DataURL, true
		}
		return "", false
	case KindFile:
		if m.File != nil {
			return m.File.DataURL, true
		}
		return "", false
	case KindText:
		return "", false
	}
	return "", false
}

// Clone returns a deep copy so callers can hand messages out without
// exposing the store's own structs.
func (m *Message) Clone() *Message {
	out := *m
	if m.Image != nil {
		img := *m.Image
		out.Image = &img
	}
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	return &out
}
