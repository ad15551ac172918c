// Package call holds the process-wide call state: at most one active room
// session per local user, with lifecycle tied to the authenticated identity.
package call

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/lucsky/cuid"
	log "github.com/pion/ion-log"

	"github.com/orbita-chat/calling/pkg/media"
	"github.com/orbita-chat/calling/pkg/room"
	"github.com/orbita-chat/calling/pkg/signal"
)

var (
	// ErrCallInProgress rejects starting or joining a call while another
	// session is still live. The existing session is left untouched.
	ErrCallInProgress = errors.New("call in progress")
	// ErrClosed rejects calls after the manager shut down.
	ErrClosed = errors.New("call manager closed")
)

// Identity is the local user as the identity collaborator reports it.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Manager arbitrates one active call per local user. Created when a user
// identity becomes available, closed on logout.
type Manager struct {
	identity Identity
	deps     room.Deps
	cfg      room.Config

	mu      sync.Mutex
	current *room.Session
	closed  bool
	pool    *workerpool.WorkerPool

	onState func(*room.Session, room.State)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRecorder installs the optional persistence collaborator for
// end-of-call records.
func WithRecorder(r room.Recorder) Option {
	return func(m *Manager) { m.deps.Recorder = r }
}

// WithSessionConfig overrides session tuning (connect timeout).
func WithSessionConfig(cfg room.Config) Option {
	return func(m *Manager) {
		if cfg.ConnectTimeout > 0 {
			m.cfg.ConnectTimeout = cfg.ConnectTimeout
		}
	}
}

// WithStateHandler registers the observer for session state changes, the
// hook the UI layer subscribes through.
func WithStateHandler(f func(*room.Session, room.State)) Option {
	return func(m *Manager) { m.onState = f }
}

// NewManager wires the calling core for one identity.
func NewManager(identity Identity, transport signal.Transport, mediaSource room.MediaSource, links room.LinkFactory, opts ...Option) *Manager {
	m := &Manager{
		identity: identity,
		pool:     workerpool.New(1),
	}
	m.deps = room.Deps{
		Transport: transport,
		Media:     mediaSource,
		Links:     links,
		Pool:      m.pool,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartCall creates a room and joins it as host. roomID may be empty, in
// which case a fresh id is generated.
func (m *Manager) StartCall(ctx context.Context, roomID string, callType room.CallType, constraints media.Constraints) (*room.Session, error) {
	if roomID == "" {
		roomID = cuid.New()
	}
	return m.begin(ctx, roomID, callType, room.RoleHost, constraints)
}

// JoinRoom joins an existing room as viewer.
func (m *Manager) JoinRoom(ctx context.Context, roomID string, callType room.CallType, constraints media.Constraints) (*room.Session, error) {
	return m.begin(ctx, roomID, callType, room.RoleViewer, constraints)
}

func (m *Manager) begin(ctx context.Context, roomID string, callType room.CallType, role room.Role, constraints media.Constraints) (*room.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.current != nil && !m.current.State().Terminal() {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}

	cfg := m.cfg
	cfg.Constraints = constraints
	sess := room.NewSession(roomID, room.LocalParticipant{
		ID:          m.identity.UserID,
		DisplayName: m.identity.DisplayName,
		AvatarURL:   m.identity.AvatarURL,
	}, callType, role, cfg, m.deps)
	if m.onState != nil {
		handler := m.onState
		sess.OnStateChange(func(st room.State) { handler(sess, st) })
	}
	m.current = sess
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		log.Errorf("call: starting session %s: %v", roomID, err)
		return nil, err
	}
	log.Infof("call: %s session %s as %s", callType, roomID, role)
	return sess, nil
}

// EndCall leaves the current session, if any.
func (m *Manager) EndCall() {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess != nil {
		sess.Leave()
	}
}

// Current returns the session the UI should render, or nil.
func (m *Manager) Current() *room.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close ends any active call and releases the manager. Called on logout or
// app unmount.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sess := m.current
	m.mu.Unlock()

	if sess != nil {
		sess.Leave()
	}
	m.pool.StopWait()
}
