package store

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes direct chats from group chats in provider-derived
// conversation ids.
type PeerKind string

const (
	PeerDirect PeerKind = "u"
	PeerGroup  PeerKind = "g"
)

// Conversation is one chat thread. Provider-originated conversations encode
// their address as "{providerAccount}:{peerKind}:{peerId}".
type Conversation struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	PeerID         string  `json:"peerId,omitempty"`
	Pinned         bool    `json:"pinned"`
	UnreadCount    uint32  `json:"unreadCount"`
	LastMessageID  *string `json:"lastMessageId"`
	LastActivityAt int64   `json:"lastActivityAt"`
	CreatedAt      int64   `json:"createdAt"`
	UpdatedAt      int64   `json:"updatedAt"`
}

// Clone returns a copy safe to hand outside the store.
func (c *Conversation) Clone() *Conversation {
	out := *c
	if c.LastMessageID != nil {
		id := *c.LastMessageID
		out.LastMessageID = &id
	}
	return &out
}

// ProviderConversationID builds the deterministic id for a provider peer so
// retried and repeated webhooks always land in the same conversation.
func ProviderConversationID(account string, kind PeerKind, peerID string) string {
	return fmt.Sprintf("%s:%s:%s", account, kind, peerID)
}

// ParseProviderConversationID splits an id back into its provider address.
// Conversations created manually through the API are not provider-addressable
// and fail here.
func ParseProviderConversationID(id string) (account string, kind PeerKind, peerID string, err error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("conversation id %q has no provider address", id)
	}
	switch PeerKind(parts[1]) {
	case PeerDirect, PeerGroup:
	default:
		return "", "", "", fmt.Errorf("conversation id %q has unknown peer kind %q", id, parts[1])
	}
	return parts[0], PeerKind(parts[1]), parts[2], nil
}
