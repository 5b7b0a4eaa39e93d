// Package identity derives and persists the visitor and session identifiers.
//
// Session expiry is evaluated lazily: every read of session state except Peek
// also writes the refreshed last-seen timestamp, so no background timer is
// needed.
package identity

import (
	"crypto/rand"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/syntrixbase/beacon/internal/storage"
)

const (
	DefaultSessionExpiry = 30 * time.Minute
	DefaultVisitorTTL    = 30 * 24 * time.Hour
)

// Visitor is the durable identity of one browser profile.
type Visitor struct {
	VisitorID   string    `json:"visitorId"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	// FirstSessionID is the session during which the visitor was created.
	FirstSessionID string `json:"firstSessionId,omitempty"`
}

// Session groups activity until it expires after inactivity.
type Session struct {
	SessionID  string    `json:"sessionId"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Identity is the snapshot stamped onto events and execution records.
type Identity struct {
	VisitorID string
	SessionID string
	// IsNew is true for the whole session in which the visitor was created.
	IsNew bool
}

// Options configures a Manager.
type Options struct {
	SessionExpiry time.Duration
	VisitorTTL    time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Manager owns visitor and session state. It is safe for concurrent use.
type Manager struct {
	store         *storage.Adapter
	clock         clock.Clock
	sessionExpiry time.Duration
	visitorTTL    time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	entropy io.Reader
}

// NewManager creates a Manager over store.
func NewManager(store *storage.Adapter, opts Options) *Manager {
	if opts.SessionExpiry <= 0 {
		opts.SessionExpiry = DefaultSessionExpiry
	}
	if opts.VisitorTTL <= 0 {
		opts.VisitorTTL = DefaultVisitorTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:         store,
		clock:         opts.Clock,
		sessionExpiry: opts.SessionExpiry,
		visitorTTL:    opts.VisitorTTL,
		logger:        opts.Logger.With("component", "identity"),
		entropy:       ulid.Monotonic(rand.Reader, 0),
	}
}

// GetVisitorID returns the persisted visitor id, minting one when it is absent
// or malformed.
func (m *Manager) GetVisitorID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := m.visitorLocked()
	return v.VisitorID
}

// GetSessionID returns the current session id and refreshes its last-seen
// timestamp. A gap longer than the session expiry mints a new session.
func (m *Manager) GetSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _ := m.sessionLocked()
	return s.SessionID
}

// Current returns the visitor, the (refreshed) session and the new/returning
// flag in one consistent step.
func (m *Manager) Current() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, _ := m.visitorLocked()
	s, _ := m.sessionLocked()

	if v.FirstSessionID == "" {
		v.FirstSessionID = s.SessionID
		m.saveVisitorLocked(v)
	}

	_, returning := m.store.Get(storage.Durable, storage.KeyReturning)
	return Identity{
		VisitorID: v.VisitorID,
		SessionID: s.SessionID,
		IsNew:     !returning && v.FirstSessionID == s.SessionID,
	}
}

// Peek reads the stored visitor and session without refreshing last-seen,
// rolling the session over or minting anything. ok is false when no valid
// visitor is stored. The session id may belong to an expired session.
func (m *Manager) Peek() (id Identity, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var v Visitor
	if !m.store.GetJSON(storage.Durable, storage.KeyVisitor, &v) || !validULID(v.VisitorID) {
		return Identity{}, false
	}
	sessionID, _ := m.store.Get(storage.Durable, storage.KeySession)
	_, returning := m.store.Get(storage.Durable, storage.KeyReturning)
	return Identity{
		VisitorID: v.VisitorID,
		SessionID: sessionID,
		IsNew:     !returning && v.FirstSessionID != "" && v.FirstSessionID == sessionID,
	}, true
}

// Reset forgets the visitor and the session. Execution records for
// once-ever workflows are not touched.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range []string{storage.KeyVisitor, storage.KeySession, storage.KeySessionLastSeen, storage.KeyReturning} {
		m.store.Remove(storage.Durable, key)
	}
	m.logger.Info("Identity reset")
}

func (m *Manager) visitorLocked() (Visitor, bool) {
	var v Visitor
	if m.store.GetJSON(storage.Durable, storage.KeyVisitor, &v) && validULID(v.VisitorID) {
		return v, false
	}

	// The returning flag belonged to the expired or unreadable visitor.
	m.store.Remove(storage.Durable, storage.KeyReturning)

	now := m.clock.Now()
	v = Visitor{
		VisitorID:   m.newVisitorID(now),
		FirstSeenAt: now.UTC(),
	}
	m.saveVisitorLocked(v)
	m.logger.Debug("Minted visitor", "visitor_id", v.VisitorID)
	return v, true
}

func (m *Manager) saveVisitorLocked(v Visitor) {
	ttl := m.visitorTTL - m.clock.Since(v.FirstSeenAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	m.store.SetJSON(storage.Durable, storage.KeyVisitor, v, ttl)
}

func (m *Manager) sessionLocked() (Session, bool) {
	now := m.clock.Now()

	id, okID := m.store.Get(storage.Durable, storage.KeySession)
	lastSeen, okSeen := m.lastSeen()
	if okID && okSeen && id != "" && now.Sub(lastSeen) <= m.sessionExpiry {
		m.store.Set(storage.Durable, storage.KeySessionLastSeen, strconv.FormatInt(now.UnixMilli(), 10))
		return Session{SessionID: id, LastSeenAt: now}, false
	}

	s := Session{SessionID: newSessionID(), LastSeenAt: now}
	m.store.Set(storage.Durable, storage.KeySession, s.SessionID)
	m.store.Set(storage.Durable, storage.KeySessionLastSeen, strconv.FormatInt(now.UnixMilli(), 10))

	// A visitor that already lived through a session is returning from now on.
	var v Visitor
	if m.store.GetJSON(storage.Durable, storage.KeyVisitor, &v) && v.FirstSessionID != "" {
		m.store.Set(storage.Durable, storage.KeyReturning, "1")
	}
	m.logger.Debug("Started session", "session_id", s.SessionID, "previous", id)
	return s, true
}

func (m *Manager) lastSeen() (time.Time, bool) {
	raw, ok := m.store.Get(storage.Durable, storage.KeySessionLastSeen)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (m *Manager) newVisitorID(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), m.entropy)
	if err != nil {
		// Monotonic entropy overflows only within one millisecond.
		return ulid.Make().String()
	}
	return id.String()
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func validULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
