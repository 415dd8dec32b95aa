package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store owns the in-memory snapshot and the persistence queue. All mutation
// happens under one mutex; snapshot elements are replaced, never edited in
// place, so queued saves can share them safely.
type Store struct {
	driver Driver
	logger *slog.Logger

	mu   sync.Mutex
	snap *Snapshot

	saveCh    chan saveRequest
	persister sync.WaitGroup
	closeOnce sync.Once
}

type saveRequest struct {
	snap *Snapshot
	done chan error
}

// New loads the snapshot from the driver and starts the persister. A missing
// or unusable snapshot yields a fresh empty state, never a startup failure.
func New(driver Driver, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	snap, err := driver.Load()
	if err != nil {
		logger.Warn("snapshot unreadable, starting empty", "error", err.Error())
		snap = nil
	}
	if snap == nil {
		snap = NewSnapshot()
	} else if snap.SchemaVersion != SchemaVersion {
		logger.Warn("snapshot schema mismatch, starting empty",
			"found", snap.SchemaVersion, "want", SchemaVersion)
		snap = NewSnapshot()
	}
	if snap.DedupeKeys == nil {
		snap.DedupeKeys = map[string]string{}
	}

	s := &Store{
		driver: driver,
		logger: logger,
		snap:   snap,
		saveCh: make(chan saveRequest, 128),
	}
	s.persister.Add(1)
	go s.runPersister()
	return s
}

// runPersister is the only goroutine that touches the driver. Saves are
// totally ordered: one begins only after the previous one finished.
func (s *Store) runPersister() {
	defer s.persister.Done()
	for req := range s.saveCh {
		err := error(nil)
		if req.snap != nil {
			err = s.driver.Save(req.snap)
			if err != nil && req.done == nil {
				s.logger.Error("snapshot save failed", "error", err.Error())
			}
		}
		if req.done != nil {
			req.done <- err
		}
	}
}

// persistLocked enqueues an asynchronous save of the current state. Must be
// called with s.mu held.
func (s *Store) persistLocked() {
	s.snap.UpdatedAt = nowMs()
	s.saveCh <- saveRequest{snap: s.snap.shallowClone()}
}

// Flush blocks until every save enqueued before the call is durable.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	s.saveCh <- saveRequest{done: done}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending saves and stops the persister.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.saveCh)
		s.persister.Wait()
	})
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// ---- conversations ----

// ListConversations returns pinned conversations first, then the rest, both
// groups ordered by recency.
func (s *Store) ListConversations() []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conversation, 0, len(s.snap.Conversations))
	for _, c := range s.snap.Conversations {
		out = append(out, c.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].LastActivityAt > out[j].LastActivityAt
	})
	return out
}

// GetConversation returns a copy of the conversation, if present.
func (s *Store) GetConversation(id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.conversationIndexLocked(id); i >= 0 {
		return s.snap.Conversations[i].Clone(), true
	}
	return nil, false
}

// CreateConversation inserts a new conversation. It is a no-op returning the
// existing copy when the id is already taken.
func (s *Store) CreateConversation(c *Conversation) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.conversationIndexLocked(c.ID); i >= 0 {
		return s.snap.Conversations[i].Clone(), false
	}
	now := nowMs()
	created := c.Clone()
	if created.CreatedAt == 0 {
		created.CreatedAt = now
	}
	created.UpdatedAt = now
	if created.LastActivityAt == 0 {
		created.LastActivityAt = now
	}
	s.snap.Conversations = append(s.snap.Conversations, created)
	s.persistLocked()
	return created.Clone(), true
}

// DeleteConversation removes the conversation and all of its messages.
func (s *Store) DeleteConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.conversationIndexLocked(id)
	if i < 0 {
		return false
	}
	convs := make([]*Conversation, 0, len(s.snap.Conversations)-1)
	convs = append(convs, s.snap.Conversations[:i]...)
	convs = append(convs, s.snap.Conversations[i+1:]...)
	s.snap.Conversations = convs

	msgs := make([]*Message, 0, len(s.snap.Messages))
	for _, m := range s.snap.Messages {
		if m.ConversationID != id {
			msgs = append(msgs, m)
		}
	}
	s.snap.Messages = msgs
	s.persistLocked()
	return true
}

// SetPinned replaces the conversation with an updated pin state.
func (s *Store) SetPinned(id string, pinned bool) (*Conversation, bool) {
	return s.replaceConversation(id, func(c *Conversation) {
		c.Pinned = pinned
	})
}

// ResetUnread clears the unread counter.
func (s *Store) ResetUnread(id string) (*Conversation, bool) {
	return s.replaceConversation(id, func(c *Conversation) {
		c.UnreadCount = 0
	})
}

func (s *Store) replaceConversation(id string, mutate func(*Conversation)) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.conversationIndexLocked(id)
	if i < 0 {
		return nil, false
	}
	next := s.snap.Conversations[i].Clone()
	mutate(next)
	next.UpdatedAt = nowMs()
	s.snap.Conversations[i] = next
	s.persistLocked()
	return next.Clone(), true
}

func (s *Store) conversationIndexLocked(id string) int {
	for i, c := range s.snap.Conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// ---- messages ----

// AppendMessage inserts a message and updates the conversation summary.
// bumpUnread is set for inbound messages the operator has not seen.
func (s *Store) AppendMessage(m *Message, bumpUnread bool) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.conversationIndexLocked(m.ConversationID)
	if i < 0 {
		return nil, false
	}
	msg := m.Clone()
	if msg.SentAt == 0 {
		msg.SentAt = nowMs()
	}
	s.snap.Messages = append(s.snap.Messages, msg)
	s.bumpSummaryLocked(i, msg, bumpUnread)
	s.persistLocked()
	return msg.Clone(), true
}

func (s *Store) bumpSummaryLocked(convIndex int, msg *Message, bumpUnread bool) {
	conv := s.snap.Conversations[convIndex].Clone()
	id := msg.ID
	conv.LastMessageID = &id
	if msg.SentAt > conv.LastActivityAt {
		conv.LastActivityAt = msg.SentAt
	}
	if bumpUnread {
		conv.UnreadCount++
	}
	conv.UpdatedAt = nowMs()
	s.snap.Conversations[convIndex] = conv
}

// ListMessages returns the newest limit messages of a conversation,
// oldest-first. limit <= 0 applies the default cap.
func (s *Store) ListMessages(conversationID string, limit int) []*Message {
	const defaultCap = 200
	if limit <= 0 || limit > defaultCap {
		limit = defaultCap
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := make([]*Message, 0, limit)
	for _, m := range s.snap.Messages {
		if m.ConversationID == conversationID {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]*Message, len(filtered))
	for i, m := range filtered {
		out[i] = m.Clone()
	}
	return out
}

// GetMessage returns a copy of the message, if present.
func (s *Store) GetMessage(id string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.snap.Messages {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return nil, false
}

// ReplaceMessage swaps the stored message carrying the same id, used by
// hydration to embed downloaded media.
func (s *Store) ReplaceMessage(m *Message) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.snap.Messages {
		if existing.ID == m.ID {
			next := m.Clone()
			s.snap.Messages[i] = next
			s.persistLocked()
			return next.Clone(), true
		}
	}
	return nil, false
}

// ---- webhook ingestion ----

// IngestResult reports what a webhook delivery changed.
type IngestResult struct {
	Deduped             bool
	MessageID           string
	ConversationCreated bool
	Conversation        *Conversation
	Message             *Message
}

// IngestWebhookMessage applies one normalized webhook delivery atomically:
// dedupe check, conversation upsert, message append, summary bump and dedupe
// key record all happen under one lock and one persisted write. A repeated
// dedupe key performs no mutation at all.
func (s *Store) IngestWebhookMessage(dedupeKey string, conv *Conversation, msg *Message) *IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, seen := s.snap.DedupeKeys[dedupeKey]; seen {
		return &IngestResult{Deduped: true, MessageID: id}
	}

	i := s.conversationIndexLocked(conv.ID)
	created := i < 0
	if created {
		now := nowMs()
		fresh := conv.Clone()
		if fresh.CreatedAt == 0 {
			fresh.CreatedAt = now
		}
		fresh.UpdatedAt = now
		s.snap.Conversations = append(s.snap.Conversations, fresh)
		i = len(s.snap.Conversations) - 1
	}

	stored := msg.Clone()
	if stored.SentAt == 0 {
		stored.SentAt = nowMs()
	}
	s.snap.Messages = append(s.snap.Messages, stored)
	s.bumpSummaryLocked(i, stored, true)

	keys := make(map[string]string, len(s.snap.DedupeKeys)+1)
	for k, v := range s.snap.DedupeKeys {
		keys[k] = v
	}
	keys[dedupeKey] = stored.ID
	s.snap.DedupeKeys = keys

	s.persistLocked()
	return &IngestResult{
		MessageID:           stored.ID,
		ConversationCreated: created,
		Conversation:        s.snap.Conversations[i].Clone(),
		Message:             stored.Clone(),
	}
}

// ---- automation ----

// AutomationEnabled reports the global automation toggle.
func (s *Store) AutomationEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.AutomationEnabled
}

// SetAutomationEnabled flips the global automation toggle.
func (s *Store) SetAutomationEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.AutomationEnabled == enabled {
		return
	}
	s.snap.AutomationEnabled = enabled
	s.persistLocked()
}

// AppendAutomationRun records a terminal workflow outcome. The log is
// append-only.
func (s *Store) AppendAutomationRun(run *AutomationRun) *AutomationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := run.Clone()
	s.snap.AutomationRuns = append(s.snap.AutomationRuns, stored)
	s.persistLocked()
	return stored.Clone()
}

// ListAutomationRuns returns the newest limit runs, newest-first.
func (s *Store) ListAutomationRuns(limit int) []*AutomationRun {
	const defaultCap = 100
	if limit <= 0 || limit > defaultCap {
		limit = defaultCap
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.snap.AutomationRuns
	if len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	out := make([]*AutomationRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i].Clone())
	}
	return out
}
