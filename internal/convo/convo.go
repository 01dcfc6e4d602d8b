// Package convo implements the conversation state manager:
// per-conversation authoritative history keyed by a server-assigned
// conversation id (scid), reconciled against whatever history the client
// resends each turn. The manager is advisory: requests without an scid
// proceed normally, it exists to give the sanitizer a clean source of truth
// for thinking blocks and tool pairing when a client mangles its replay.
package convo

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/gateway/internal/translate"
)

// DefaultTTL matches the IDE-client session lifetime; a conversation with
// no activity for this long is treated as abandoned and evicted on the
// next sweep.
const DefaultTTL = 2 * time.Hour

// State is one conversation's authoritative record.
type State struct {
	SCID                 string
	ClientType            string
	AuthoritativeHistory  []translate.Message
	LastSignature         string
	CreatedAt             time.Time
	ExpiresAt             time.Time
	AccessCount           int
}

// Manager owns every ConversationState, one per scid, each behind its own
// mutex so two requests on different conversations never contend.
type Manager struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*lockedState
}

type lockedState struct {
	mu    sync.Mutex
	state State
}

// New creates a Manager with the given TTL; ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{ttl: ttl, entries: make(map[string]*lockedState)}
}

// DeriveSCID derives a stable conversation id from the first user message
// in req: hashing ties repeat turns of the same conversation together even
// when the client never sends an explicit conversation id header, enabling
// the cache locality the signature store depends on.
func DeriveSCID(req translate.Request) string {
	for _, m := range req.Messages {
		if m.Role != translate.RoleUser {
			continue
		}
		if text := firstText(m); text != "" {
			sum := sha256.Sum256([]byte(text))
			return hex.EncodeToString(sum[:16])
		}
	}
	return uuid.New().String()
}

// SessionFingerprint hashes the first user turn's canonical text, the key
// the signature store's session-fingerprint index uses. Empty when the
// request has no user text at all (that index layer is then skipped).
func SessionFingerprint(req translate.Request) string {
	for _, m := range req.Messages {
		if m.Role != translate.RoleUser {
			continue
		}
		if text := firstText(m); text != "" {
			sum := sha256.Sum256([]byte("session:" + text))
			return hex.EncodeToString(sum[:16])
		}
	}
	return ""
}

func firstText(m translate.Message) string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Kind == translate.KindText && block.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// GetOrCreate returns the State for scid, creating a fresh one (with the
// given clientType) if none exists or the existing one has expired.
func (m *Manager) GetOrCreate(scid, clientType string) *State {
	ls := m.lockedEntry(scid)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	if ls.state.SCID == "" || now.After(ls.state.ExpiresAt) {
		ls.state = State{
			SCID:       scid,
			ClientType: clientType,
			CreatedAt:  now,
			ExpiresAt:  now.Add(m.ttl),
		}
	}
	ls.state.AccessCount++
	ls.state.ExpiresAt = now.Add(m.ttl)
	out := ls.state
	return &out
}

func (m *Manager) lockedEntry(scid string) *lockedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.entries[scid]
	if !ok {
		ls = &lockedState{}
		m.entries[scid] = ls
	}
	return ls
}

// MergeWithClientHistory reconciles the client-resent message history
// against the server's authoritative copy. Clients resend their entire
// transcript each turn (IDE extensions routinely do, since they have no
// server session concept); this does a prefix match against the
// authoritative history and returns only the net-new suffix the server
// hasn't already recorded, which is what the sanitizer/translator should
// treat as "this turn's new input" when deciding what signature recovery
// and tool-chain checks apply to.
func (m *Manager) MergeWithClientHistory(scid string, clientHistory []translate.Message) []translate.Message {
	ls := m.lockedEntry(scid)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	authoritative := ls.state.AuthoritativeHistory
	prefixLen := commonPrefixLen(authoritative, clientHistory)
	if prefixLen >= len(clientHistory) {
		return nil
	}
	netNew := make([]translate.Message, len(clientHistory)-prefixLen)
	copy(netNew, clientHistory[prefixLen:])
	return netNew
}

// commonPrefixLen returns how many leading messages of client match
// authoritative exactly (role + text content).
func commonPrefixLen(authoritative, client []translate.Message) int {
	n := len(authoritative)
	if len(client) < n {
		n = len(client)
	}
	i := 0
	for ; i < n; i++ {
		if !messagesEqual(authoritative[i], client[i]) {
			break
		}
	}
	return i
}

func messagesEqual(a, b translate.Message) bool {
	if a.Role != b.Role || len(a.Content) != len(b.Content) {
		return false
	}
	for i := range a.Content {
		if !blocksRoughlyEqual(a.Content[i], b.Content[i]) {
			return false
		}
	}
	return true
}

// blocksRoughlyEqual compares the fields that matter for prefix matching;
// signatures are deliberately excluded since the client may echo a block
// back without the signature the server attached, which should still count
// as "the same message" for merge purposes.
func blocksRoughlyEqual(a, b translate.Block) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case translate.KindText:
		return a.Text == b.Text
	case translate.KindThinking:
		return a.Thinking == b.Thinking
	case translate.KindToolUse:
		return a.ToolUseID == b.ToolUseID && a.ToolName == b.ToolName
	case translate.KindToolResult:
		return a.ToolResultForID == b.ToolResultForID
	case translate.KindImage:
		return a.ImageData == b.ImageData && a.ImageURL == b.ImageURL
	}
	return true
}

// UpdateAuthoritativeHistory is the writeback hook: after a backend
// responds, the caller appends the full turn (request messages plus the
// assistant's reply) so future merges see it as already-known.
func (m *Manager) UpdateAuthoritativeHistory(scid string, full []translate.Message, lastSignature string) {
	ls := m.lockedEntry(scid)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.state.AuthoritativeHistory = full
	if lastSignature != "" {
		ls.state.LastSignature = lastSignature
	}
	ls.state.ExpiresAt = time.Now().Add(m.ttl)
}

// LastSignature returns the most recently recorded thinking signature for
// scid, used by the sanitizer's context-recovery layer when no other index
// hit.
func (m *Manager) LastSignature(scid string) (string, bool) {
	ls := m.lockedEntry(scid)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.state.LastSignature, ls.state.LastSignature != ""
}

// CleanupExpired evicts every conversation whose TTL has lapsed, returning
// the number removed. Intended to run on a periodic ticker from cmd/gateway.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for scid, ls := range m.entries {
		ls.mu.Lock()
		expired := now.After(ls.state.ExpiresAt)
		ls.mu.Unlock()
		if expired {
			delete(m.entries, scid)
			removed++
		}
	}
	return removed
}

// Size reports the number of tracked conversations, for diagnostics.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
