package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lithammer/shortuuid/v4"

	"github.com/wkchat/wkchat/store"
)

// Provider messageType codes. The 6xxxx range is direct chat, 8xxxx is group
// chat; the low digits select the payload kind.
const (
	typeTextDirect  = 60001
	typeImageDirect = 60002
	typeFileDirect  = 60009
	typeTextGroup   = 80001
	typeImageGroup  = 80002
	typeFileGroup   = 80009
)

const rawPayloadCap = 4096

// inboundPayload is the provider delivery after schema validation. Numeric
// fields arrive as json.Number so both string and number encodings survive.
type inboundPayload struct {
	WcID        string          `json:"wcId"`
	FromUser    string          `json:"fromUser"`
	FromGroup   string          `json:"fromGroup"`
	MessageType int             `json:"messageType"`
	Content     json.RawMessage `json:"content"`
	NewMsgID    json.Number     `json:"newMsgId"`
	Timestamp   json.Number     `json:"timestamp"`
	Self        bool            `json:"self"`
}

func kindForType(messageType int) (store.MessageKind, bool) {
	switch messageType {
	case typeTextDirect, typeTextGroup:
		return store.KindText, true
	case typeImageDirect, typeImageGroup:
		return store.KindImage, true
	case typeFileDirect, typeFileGroup:
		return store.KindFile, true
	}
	return "", false
}

// peer returns the peer kind and id the delivery addresses.
func (p *inboundPayload) peer() (store.PeerKind, string) {
	if p.FromGroup != "" {
		return store.PeerGroup, p.FromGroup
	}
	return store.PeerDirect, p.FromUser
}

// sentAt normalizes the provider timestamp to epoch milliseconds. Values
// below 1e12 are epoch seconds.
func (p *inboundPayload) sentAt() int64 {
	ts, err := p.Timestamp.Int64()
	if err != nil || ts <= 0 {
		return 0
	}
	if ts < 1_000_000_000_000 {
		ts *= 1000
	}
	return ts
}

// dedupeKey is the idempotency key for this delivery. newMsgId is the
// provider's own message identity; when absent the key degrades to the
// sender+timestamp+type tuple.
func (p *inboundPayload) dedupeKey() string {
	if s := p.NewMsgID.String(); s != "" && s != "0" {
		return fmt.Sprintf("%s:%s", p.WcID, s)
	}
	_, peerID := p.peer()
	return fmt.Sprintf("%s:%s:%s:%d", p.WcID, peerID, p.Timestamp.String(), p.MessageType)
}

// textContent extracts the plain-text body of a text delivery.
func (p *inboundPayload) textContent() string {
	var s string
	if err := json.Unmarshal(p.Content, &s); err == nil {
		return strings.TrimSpace(s)
	}
	// Some gateways wrap text in an object.
	var obj map[string]any
	if err := json.Unmarshal(p.Content, &obj); err == nil {
		for _, key := range []string{"content", "text", "msg"} {
			if v, ok := obj[key].(string); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// mediaURL walks the extractor chain for image and file payloads: a direct
// url field, then nested data.url/data.content, then a JSON document hiding
// inside a string, and finally a bare base64 blob.
func (p *inboundPayload) mediaURL(kind store.MessageKind) string {
	return extractMediaURL(p.Content, kind, 0)
}

func extractMediaURL(raw json.RawMessage, kind store.MessageKind, depth int) string {
	if depth > 2 || len(raw) == 0 {
		return ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"url", "cdnUrl", "wcUrl", "thumbUrl", "fileUrl"} {
			if v, ok := stringField(obj, key); ok && v != "" {
				return v
			}
		}
		if data, ok := obj["data"]; ok {
			if url := extractMediaURL(data, kind, depth+1); url != "" {
				return url
			}
		}
		if content, ok := obj["content"]; ok {
			if url := extractMediaURL(content, kind, depth+1); url != "" {
				return url
			}
		}
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "data:") {
		return s
	}
	if strings.HasPrefix(s, "{") {
		return extractMediaURL(json.RawMessage(s), kind, depth+1)
	}
	if looksLikeBase64(s) {
		return "data:" + defaultMime(kind) + ";base64," + s
	}
	return ""
}

func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// looksLikeBase64 reports whether s is plausibly a bare base64 blob rather
// than prose. Short strings and anything containing markup are rejected.
func looksLikeBase64(s string) bool {
	if len(s) < 64 {
		return false
	}
	if strings.ContainsAny(s, "<>{}\" \t\n") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '=':
		default:
			return false
		}
	}
	return true
}

func defaultMime(kind store.MessageKind) string {
	if kind == store.KindImage {
		return "image/jpeg"
	}
	return "application/octet-stream"
}

// fileName pulls a display name for a file delivery out of the content.
func (p *inboundPayload) fileName() string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(p.Content, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"fileName", "name", "title"} {
		if v, ok := stringField(obj, key); ok && v != "" {
			return v
		}
	}
	return ""
}

// buildMessage normalizes the delivery into a store message. The original
// payload body is retained, truncated, for media kinds so download parameters
// survive for later hydration.
func buildMessage(p *inboundPayload, kind store.MessageKind, body []byte) *store.Message {
	kindOf, peerID := p.peer()
	msg := &store.Message{
		ID:             shortuuid.New(),
		ConversationID: store.ProviderConversationID(p.WcID, kindOf, peerID),
		Direction:      store.DirectionInbound,
		Source:         store.SourceWebhook,
		Kind:           kind,
		SentAt:         p.sentAt(),
	}
	switch kind {
	case store.KindText:
		text := p.textContent()
		if text == "" {
			text = "(empty message)"
		}
		msg.Text = text
	case store.KindImage:
		msg.Image = &store.ImagePayload{DataURL: p.mediaURL(kind)}
		msg.Raw, msg.RawTruncated = truncateRaw(body)
	case store.KindFile:
		msg.File = &store.FilePayload{Name: p.fileName(), DataURL: p.mediaURL(kind)}
		msg.Raw, msg.RawTruncated = truncateRaw(body)
	}
	return msg
}

func truncateRaw(body []byte) (string, bool) {
	if len(body) <= rawPayloadCap {
		return string(body), false
	}
	return string(body[:rawPayloadCap]), true
}
