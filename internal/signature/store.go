// Package signature implements the thinking-signature store: a
// multi-indexed, LRU-bounded, TTL-expiring cache that makes a signature
// discoverable by content hash, tool id, session fingerprint, owner id, or
// simple recency. The persistent mirror is opt-in: with none configured the
// store runs memory-only and signatures simply do not survive a restart.
package signature

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaygate/gateway/internal/logging"
)

// ClientType distinguishes CLI-style callers (shorter TTL) from IDE-style
// callers (longer TTL, since IDE sessions stay open much longer).
type ClientType string

const (
	ClientCLI ClientType = "cli"
	ClientIDE ClientType = "ide"
)

// TTL returns the per-client-type time-to-live for a cache entry.
func (c ClientType) TTL() time.Duration {
	if c == ClientIDE {
		return 2 * time.Hour
	}
	return 1 * time.Hour
}

// MinSignatureLength is the validity floor below which a signature is
// rejected on put.
const MinSignatureLength = 10

// normalizedPrefixLen is how many UTF-8 characters of whitespace-collapsed
// content are hashed to form the content-hash index key.
const normalizedPrefixLen = 500

// maxEntries bounds total retained entries; put evicts least-recently-
// accessed entries once this bound is crossed.
const maxEntries = 10000

// PutRequest is the input to Put.
type PutRequest struct {
	Signature         string
	Content           string
	ToolID            string
	SessionFingerprint string
	OwnerID           string
	ModelFamily       string
	ClientType        ClientType
}

// entry is the in-memory representation of a CacheEntry. All index maps
// store pointers to the same entry so metadata updates (access time/count)
// are visible through every index.
type entry struct {
	signature          string
	contentHash        string
	content            string
	toolID             string
	sessionFingerprint string
	ownerID            string
	modelFamily        string
	createdAt          time.Time
	accessedAt         time.Time
	expiresAt          time.Time
	accessCount        int64

	// lruPrev/lruNext thread an intrusive doubly linked list in
	// most-recently-used-at-head order, so touch and eviction are O(1).
	lruPrev, lruNext *entry
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Stats reports counters for the store's own introspection contract.
type Stats struct {
	Hits    int64
	Misses  int64
	Writes  int64
	Size    int
	HitRate float64
}

// Mirror is the optional persistent-mirror interface; both the Redis
// adapter below and the sqlite adapter in internal/storage satisfy it. nil
// Mirror means memory-only operation, the default deployment.
type Mirror interface {
	Write(ctx context.Context, idx, key string, e MirrorEntry, ttl time.Duration) error
	Read(ctx context.Context, idx, key string) (MirrorEntry, bool, error)
}

// MirrorEntry is the flattened, serializable form of entry used by Mirror.
type MirrorEntry struct {
	Signature          string
	ContentHash        string
	Content            string
	ToolID             string
	SessionFingerprint string
	OwnerID            string
	ModelFamily        string
	CreatedAtUnix      int64
}

// Store is the signature store. One Store owns its maps exclusively; no
// other component reaches into its internals.
type Store struct {
	mu sync.RWMutex

	byContentHash map[string]*entry
	byToolID      map[string]*entry
	bySessionFP   map[string]*entry

	// recent is the intrusive LRU list head (most-recent) / tail (oldest).
	recentHead, recentTail *entry
	size                   int

	mirror Mirror
	log    zerolog.Logger

	hits, misses, writes int64
}

// New creates a Store. mirror may be nil for memory-only operation.
func New(mirror Mirror) *Store {
	return &Store{
		byContentHash: make(map[string]*entry),
		byToolID:      make(map[string]*entry),
		bySessionFP:   make(map[string]*entry),
		mirror:        mirror,
		log:           logging.For("signature-store"),
	}
}

// hashContent normalizes content (whitespace-collapsed, leading
// normalizedPrefixLen runes) and returns its SHA-256 hex digest.
func hashContent(content string) string {
	normalized := normalizePrefix(content)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func normalizePrefix(content string) string {
	var b strings.Builder
	lastWasSpace := false
	written := 0
	for _, r := range content {
		if unicode.IsSpace(r) {
			if lastWasSpace {
				continue
			}
			lastWasSpace = true
			b.WriteRune(' ')
		} else {
			lastWasSpace = false
			b.WriteRune(r)
		}
		written++
		if written >= normalizedPrefixLen {
			break
		}
	}
	s := strings.TrimSpace(b.String())
	if len(s) > normalizedPrefixLen {
		// rune-safe truncation
		runes := []rune(s)
		if len(runes) > normalizedPrefixLen {
			runes = runes[:normalizedPrefixLen]
		}
		s = string(runes)
	}
	return s
}

// Put stores signature under every index the request supplies. Returns
// false (a soft failure, never an error) if the signature is too short or
// no index could be derived.
func (s *Store) Put(req PutRequest) bool {
	if len(req.Signature) < MinSignatureLength {
		return false
	}
	if req.Content == "" && req.ToolID == "" && req.SessionFingerprint == "" {
		return false
	}

	now := time.Now()
	ttl := req.ClientType.TTL()

	e := &entry{
		signature:          req.Signature,
		content:            req.Content,
		toolID:             req.ToolID,
		sessionFingerprint: req.SessionFingerprint,
		ownerID:            req.OwnerID,
		modelFamily:        req.ModelFamily,
		createdAt:          now,
		accessedAt:         now,
		expiresAt:          now.Add(ttl),
		accessCount:        0,
	}
	if req.Content != "" {
		e.contentHash = hashContent(req.Content)
	}

	s.mu.Lock()
	wrote := false
	if e.contentHash != "" {
		s.byContentHash[e.contentHash] = e
		wrote = true
	}
	if req.ToolID != "" {
		s.byToolID[req.ToolID] = e
		wrote = true
	}
	if req.SessionFingerprint != "" {
		s.bySessionFP[req.SessionFingerprint] = e
		wrote = true
	}
	if wrote {
		s.pushFront(e)
		s.size++
		s.writes++
		s.evictIfOverCapacityLocked()
	}
	s.mu.Unlock()

	if wrote && s.mirror != nil {
		s.writeThrough(req, e)
	}

	return wrote
}

func (s *Store) writeThrough(req PutRequest, e *entry) {
	me := MirrorEntry{
		Signature:          e.signature,
		ContentHash:        e.contentHash,
		Content:            e.content,
		ToolID:             e.toolID,
		SessionFingerprint: e.sessionFingerprint,
		OwnerID:            e.ownerID,
		ModelFamily:        e.modelFamily,
		CreatedAtUnix:      e.createdAt.Unix(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ttl := req.ClientType.TTL()
	if e.contentHash != "" {
		if err := s.mirror.Write(ctx, "content", e.contentHash, me, ttl); err != nil {
			s.log.Warn().Err(err).Msg("signature mirror write-through failed (content index)")
		}
	}
	if e.toolID != "" {
		if err := s.mirror.Write(ctx, "tool", e.toolID, me, ttl); err != nil {
			s.log.Warn().Err(err).Msg("signature mirror write-through failed (tool index)")
		}
	}
	if e.sessionFingerprint != "" {
		if err := s.mirror.Write(ctx, "session", e.sessionFingerprint, me, ttl); err != nil {
			s.log.Warn().Err(err).Msg("signature mirror write-through failed (session index)")
		}
	}
}

// evictIfOverCapacityLocked drops the least-recently-accessed entry when the
// store exceeds maxEntries. Caller must hold s.mu for writing.
func (s *Store) evictIfOverCapacityLocked() {
	for s.size > maxEntries && s.recentTail != nil {
		victim := s.recentTail
		s.removeFromLRULocked(victim)
		s.deleteFromIndexesLocked(victim)
	}
}

func (s *Store) deleteFromIndexesLocked(e *entry) {
	if e.contentHash != "" {
		if cur, ok := s.byContentHash[e.contentHash]; ok && cur == e {
			delete(s.byContentHash, e.contentHash)
		}
	}
	if e.toolID != "" {
		if cur, ok := s.byToolID[e.toolID]; ok && cur == e {
			delete(s.byToolID, e.toolID)
		}
	}
	if e.sessionFingerprint != "" {
		if cur, ok := s.bySessionFP[e.sessionFingerprint]; ok && cur == e {
			delete(s.bySessionFP, e.sessionFingerprint)
		}
	}
	s.size--
}

// pushFront inserts e at the head of the LRU list (most recently used).
// Caller must hold s.mu for writing.
func (s *Store) pushFront(e *entry) {
	e.lruPrev = nil
	e.lruNext = s.recentHead
	if s.recentHead != nil {
		s.recentHead.lruPrev = e
	}
	s.recentHead = e
	if s.recentTail == nil {
		s.recentTail = e
	}
}

func (s *Store) removeFromLRULocked(e *entry) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else if s.recentHead == e {
		s.recentHead = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else if s.recentTail == e {
		s.recentTail = e.lruPrev
	}
	e.lruPrev, e.lruNext = nil, nil
}

func (s *Store) touchLocked(e *entry) {
	e.accessedAt = time.Now()
	e.accessCount++
	if s.recentHead != e {
		s.removeFromLRULocked(e)
		s.pushFront(e)
	}
}

// ownerAllows implements the strict owner-filter rule: a null-owner entry is
// never returned to an owned query and an owned entry is never returned to a
// query with a different (or absent) owner.
func ownerAllows(entryOwner, queryOwner string) bool {
	return entryOwner == queryOwner
}

// GetByContent returns a live signature whose stored content hashes equal
// the query's normalized content. Before returning, the stored content is
// compared with the query (exactly, or failing that by normalized prefix)
// to guard against a hash collision; content that differs only after the
// normalized prefix still matches.
func (s *Store) GetByContent(content, ownerID string) (string, bool) {
	hash := hashContent(content)

	s.mu.Lock()
	e, ok := s.byContentHash[hash]
	if ok && s.validForRead(e, ownerID) {
		s.touchLocked(e)
		sig := e.signature
		storedContent := e.content
		s.mu.Unlock()
		if storedContent != content && normalizePrefix(storedContent) != normalizePrefix(content) {
			// collision on the normalized-prefix hash; do not trust it.
			s.recordMiss()
			return "", false
		}
		s.recordHit()
		return sig, true
	}
	s.mu.Unlock()

	if s.mirror != nil {
		if me, found := s.mirrorRead("content", hash); found {
			if ownerAllows(me.OwnerID, ownerID) && normalizePrefix(me.Content) == normalizePrefix(content) {
				s.hydrate("content", me)
				s.recordHit()
				return me.Signature, true
			}
		}
	}

	s.recordMiss()
	return "", false
}

// GetByToolID returns the signature cached for a tool-call id.
func (s *Store) GetByToolID(toolID, ownerID string) (string, bool) {
	return s.getByIndex(s.byToolID, "tool", toolID, ownerID)
}

// GetBySessionFingerprint returns the signature cached for a session
// fingerprint (a hash of the first user turn's canonical text).
func (s *Store) GetBySessionFingerprint(fp, ownerID string) (string, bool) {
	return s.getByIndex(s.bySessionFP, "session", fp, ownerID)
}

func (s *Store) getByIndex(idx map[string]*entry, mirrorIdx, key, ownerID string) (string, bool) {
	s.mu.Lock()
	e, ok := idx[key]
	if ok && s.validForRead(e, ownerID) {
		s.touchLocked(e)
		sig := e.signature
		s.mu.Unlock()
		s.recordHit()
		return sig, true
	}
	s.mu.Unlock()

	if s.mirror != nil {
		if me, found := s.mirrorRead(mirrorIdx, key); found && ownerAllows(me.OwnerID, ownerID) {
			s.hydrate(mirrorIdx, me)
			s.recordHit()
			return me.Signature, true
		}
	}

	s.recordMiss()
	return "", false
}

// SignatureFamily returns the model family a signature was recorded under,
// by walking all live entries for a matching signature value. Used by the
// sanitizer's cross-family compatibility check (its layer 5): Gemini
// rejects a signature minted for a different family outright, so the
// sanitizer strips any whose recorded family doesn't match the target.
func (s *Store) SignatureFamily(sig string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for e := s.recentHead; e != nil; e = e.lruNext {
		if e.signature == sig {
			return e.modelFamily, e.modelFamily != ""
		}
	}
	return "", false
}

// GetRecent walks entries in reverse insertion (most-recent-first) order and
// returns the first whose owner matches and which was created within
// window. A null-owner query (ownerID == "") only matches null-owner
// entries, and vice versa.
func (s *Store) GetRecent(window time.Duration, ownerID string) (string, bool) {
	now := time.Now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	var best *entry
	for e := s.recentHead; e != nil; e = e.lruNext {
		if e.expired(now) || e.createdAt.Before(cutoff) || !ownerAllows(e.ownerID, ownerID) {
			continue
		}
		if best == nil || e.createdAt.After(best.createdAt) {
			best = e
		}
	}
	if best != nil {
		s.touchLocked(best)
		sig := best.signature
		s.mu.Unlock()
		s.recordHit()
		return sig, true
	}
	s.mu.Unlock()
	s.recordMiss()
	return "", false
}

// validForRead reports whether e is live (unexpired) and visible to ownerID.
// Caller must hold s.mu.
func (s *Store) validForRead(e *entry, ownerID string) bool {
	if e.expired(time.Now()) {
		return false
	}
	return ownerAllows(e.ownerID, ownerID)
}

func (s *Store) mirrorRead(idx, key string) (MirrorEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	me, ok, err := s.mirror.Read(ctx, idx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("index", idx).Msg("signature mirror read failed")
		return MirrorEntry{}, false
	}
	return me, ok
}

// hydrate inserts a mirror hit into memory. Only the map insert happens
// under the lock; the disk/network read already completed before this call.
func (s *Store) hydrate(idx string, me MirrorEntry) {
	e := &entry{
		signature:          me.Signature,
		contentHash:        me.ContentHash,
		content:            me.Content,
		toolID:             me.ToolID,
		sessionFingerprint: me.SessionFingerprint,
		ownerID:            me.OwnerID,
		modelFamily:        me.ModelFamily,
		createdAt:          time.Unix(me.CreatedAtUnix, 0),
		accessedAt:         time.Now(),
		expiresAt:          time.Now().Add(ClientCLI.TTL()),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.contentHash != "" {
		s.byContentHash[e.contentHash] = e
	}
	if e.toolID != "" {
		s.byToolID[e.toolID] = e
	}
	if e.sessionFingerprint != "" {
		s.bySessionFP[e.sessionFingerprint] = e
	}
	s.pushFront(e)
	s.size++
	s.evictIfOverCapacityLocked()
}

// Clear drops all in-memory entries. The persistent mirror, if any, is left
// untouched (clear is a local, best-effort operation).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byContentHash = make(map[string]*entry)
	s.byToolID = make(map[string]*entry)
	s.bySessionFP = make(map[string]*entry)
	s.recentHead, s.recentTail = nil, nil
	s.size = 0
}

// CleanupExpired eagerly removes expired entries and returns the count
// removed. Intended to be called from a periodic sweep goroutine.
func (s *Store) CleanupExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	e := s.recentTail
	for e != nil {
		prev := e.lruPrev
		if e.expired(now) {
			s.removeFromLRULocked(e)
			s.deleteFromIndexesLocked(e)
			removed++
		}
		e = prev
	}
	return removed
}

func (s *Store) recordHit()  { s.mu.Lock(); s.hits++; s.mu.Unlock() }
func (s *Store) recordMiss() { s.mu.Lock(); s.misses++; s.mu.Unlock() }

// StatsSnapshot returns the store's hit/miss/write counters.
func (s *Store) StatsSnapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := s.hits + s.misses
	rate := 0.0
	if total > 0 {
		rate = float64(s.hits) / float64(total)
	}
	return Stats{
		Hits:    s.hits,
		Misses:  s.misses,
		Writes:  s.writes,
		Size:    s.size,
		HitRate: rate,
	}
}

// Process-wide store. Tests construct their own via New; everything else
// shares this one.

var (
	global     *Store
	globalOnce sync.Once
	globalMu   sync.Mutex
)

// InitGlobal installs the process-wide Store. Subsequent calls replace it,
// which tests rely on to reset state between cases.
func InitGlobal(mirror Mirror) *Store {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = New(mirror)
	return global
}

// Global returns the process-wide Store, lazily creating a memory-only one
// if InitGlobal was never called.
func Global() *Store {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(nil)
	}
	return global
}

// redisMirror adapts pkg/redis's Client to the Mirror interface. Defined
// here (rather than in pkg/redis) to keep the cache-access dependency
// one-directional: the store depends on a storage client, never the reverse.
type redisMirror struct {
	rdb *redis.Client
}

// NewRedisMirror wraps a *redis.Client as a signature-store Mirror.
func NewRedisMirror(rdb *redis.Client) Mirror {
	return &redisMirror{rdb: rdb}
}

const redisKeyPrefix = "gateway:signatures:"

func (m *redisMirror) Write(ctx context.Context, idx, key string, e MirrorEntry, ttl time.Duration) error {
	full := redisKeyPrefix + idx + ":" + key
	fields := map[string]interface{}{
		"signature":   e.Signature,
		"contentHash": e.ContentHash,
		"content":     e.Content,
		"toolId":      e.ToolID,
		"sessionFp":   e.SessionFingerprint,
		"ownerId":     e.OwnerID,
		"modelFamily": e.ModelFamily,
		"createdAt":   e.CreatedAtUnix,
	}
	if err := m.rdb.HSet(ctx, full, fields).Err(); err != nil {
		return err
	}
	return m.rdb.Expire(ctx, full, ttl).Err()
}

func (m *redisMirror) Read(ctx context.Context, idx, key string) (MirrorEntry, bool, error) {
	full := redisKeyPrefix + idx + ":" + key
	data, err := m.rdb.HGetAll(ctx, full).Result()
	if err != nil {
		return MirrorEntry{}, false, err
	}
	if len(data) == 0 {
		return MirrorEntry{}, false, nil
	}
	return MirrorEntry{
		Signature:          data["signature"],
		ContentHash:        data["contentHash"],
		Content:             data["content"],
		ToolID:             data["toolId"],
		SessionFingerprint: data["sessionFp"],
		OwnerID:            data["ownerId"],
		ModelFamily:        data["modelFamily"],
	}, true, nil
}
