package store

// SchemaVersion is the current snapshot schema.
const SchemaVersion = 1

// Snapshot is the entire durable state, loaded wholesale at startup and
// rewritten wholesale on every mutation.
type Snapshot struct {
	SchemaVersion     int               `json:"schemaVersion"`
	UpdatedAt         int64             `json:"updatedAt"`
	AutomationEnabled bool              `json:"automationEnabled"`
	Conversations     []*Conversation   `json:"conversations"`
	Messages          []*Message        `json:"messages"`
	AutomationRuns    []*AutomationRun  `json:"automationRuns"`
	DedupeKeys        map[string]string `json:"dedupeKeys"`
}

// NewSnapshot returns an empty snapshot at the current schema.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion:     SchemaVersion,
		Conversations:     []*Conversation{},
		Messages:          []*Message{},
		AutomationRuns:    []*AutomationRun{},
		DedupeKeys:        map[string]string{},
		AutomationEnabled: false,
	}
}

// shallowClone copies the snapshot's containers so a queued save never races
// with the next mutation. Elements themselves are replaced, not mutated, by
// every store operation, so sharing them is safe.
func (s *Snapshot) shallowClone() *Snapshot {
	out := &Snapshot{
		SchemaVersion:     s.SchemaVersion,
		UpdatedAt:         s.UpdatedAt,
		AutomationEnabled: s.AutomationEnabled,
		Conversations:     make([]*Conversation, len(s.Conversations)),
		Messages:          make([]*Message, len(s.Messages)),
		AutomationRuns:    make([]*AutomationRun, len(s.AutomationRuns)),
		DedupeKeys:        make(map[string]string, len(s.DedupeKeys)),
	}
	copy(out.Conversations, s.Conversations)
	copy(out.Messages, s.Messages)
	copy(out.AutomationRuns, s.AutomationRuns)
	for k, v := range s.DedupeKeys {
		out.DedupeKeys[k] = v
	}
	return out
}

// Driver is the persistence backend for snapshots.
//
// Load returns (nil, nil) when no snapshot exists yet. A Load error means the
// file was present but unusable; the store treats that as absent rather than
// failing startup.
//
// Save must be atomic from the perspective of any concurrent reader of the
// canonical path. Callers serialize Save invocations; a driver never sees two
// concurrent saves.
type Driver interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
}
