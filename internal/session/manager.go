package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devscene/backend/internal/logging"
	"github.com/devscene/backend/internal/models"
	"github.com/devscene/backend/internal/poller"
	"github.com/devscene/backend/internal/samplecache"
	"github.com/devscene/backend/internal/scene"
	"github.com/devscene/backend/internal/status"
	"github.com/devscene/backend/internal/storage"
)

// MaxSessions limits concurrent preview sessions, each of which runs its own pollers
const MaxSessions = 50

// SessionMaxAge is how long an untouched session survives before cleanup
const SessionMaxAge = 30 * time.Minute

// SessionKeepAliveWindow is how long to keep sessions that are actively being used
const SessionKeepAliveWindow = 5 * time.Minute

// subscriberBuffer is the number of render updates queued per subscriber
// before further updates to it are dropped.
const subscriberBuffer = 32

var (
	ErrSessionNotFound = errors.New("preview session not found")
	ErrTooManySessions = errors.New("too many preview sessions")
	ErrVariantMissing  = errors.New("scene variant not present")
)

// HistoryRecorder stores every successful sample.
type HistoryRecorder interface {
	Record(ctx context.Context, deviceID string, sample *poller.Sample) error
}

// SampleMirror keeps the latest sample per source outside the process.
type SampleMirror interface {
	Put(deviceID string, sample *poller.Sample) error
	Get(deviceID, apiID string) (*samplecache.Entry, bool, error)
}

// Options wires the collaborators of a Manager. Only Store is required.
type Options struct {
	Store          storage.Store
	Fetcher        poller.Fetcher
	Push           poller.PushSubscriber
	History        HistoryRecorder
	Mirror         SampleMirror
	Metrics        *poller.Metrics
	Logger         *zap.Logger
	DefaultTimeout time.Duration
	MinInterval    time.Duration
	MaxSessions    int
	// Default is rendered for port layers whose value has no mapping entry.
	Default status.Directive
}

// RenderUpdate is sent to subscribers whenever layers of a session change.
// A Full update carries every layer in paint order.
type RenderUpdate struct {
	SessionID string              `json:"sessionId"`
	Version   uint64              `json:"version"`
	Full      bool                `json:"full,omitempty"`
	APIID     string              `json:"apiId,omitempty"`
	State     string              `json:"state,omitempty"`
	Error     string              `json:"error,omitempty"`
	Layers    []scene.LayerRender `json:"layers"`
	Sources   []poller.Stats      `json:"sources,omitempty"`
}

// Manager handles active preview sessions.
type Manager struct {
	sessions map[string]*SessionState
	mu       sync.RWMutex
	opts     Options
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// SessionState holds a running scene with its engine and latest renders.
type SessionState struct {
	Session      *models.PreviewSession
	Scene        *scene.Scene
	Engine       *poller.Engine
	LastAccessed time.Time // guarded by Manager.mu

	mu      sync.Mutex
	closed  bool
	version uint64
	renders map[string]scene.LayerRender
	subs    map[string]chan RenderUpdate
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = MaxSessions
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: make(map[string]*SessionState),
		opts:     opts,
		log:      logging.Named(opts.Logger, "session"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartSession loads the stored scene of deviceID, validates it and starts
// polling its sources. A ValidationError from the scene is returned as is.
func (m *Manager) StartSession(deviceID string, variant models.Variant) (*models.PreviewSession, error) {
	doc, err := m.opts.Store.Get(deviceID)
	if err != nil {
		return nil, fmt.Errorf("loading scene %s: %w", deviceID, err)
	}
	cfg := doc.Variant(variant)
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s has no %s scene", ErrVariantMissing, deviceID, variant)
	}
	sc, err := scene.New(cfg)
	if err != nil {
		return nil, err
	}

	// Clean up old sessions if at limit
	m.cleanupOldSessionsIfNeeded()
	m.mu.RLock()
	full := len(m.sessions) >= m.opts.MaxSessions
	m.mu.RUnlock()
	if full {
		return nil, ErrTooManySessions
	}

	sessionID := uuid.New().String()
	sess := models.NewPreviewSession(sessionID, sc.DeviceID(), variant)
	sess.LayerCount = len(sc.Layers())
	sess.APICount = len(sc.APIs())
	sess.StartTime = time.Now().UnixMilli()
	for _, w := range sc.Warnings() {
		sess.Warnings = append(sess.Warnings, w.Error())
	}

	state := &SessionState{
		Session:      sess,
		Scene:        sc,
		LastAccessed: time.Now(),
		renders:      make(map[string]scene.LayerRender),
		subs:         make(map[string]chan RenderUpdate),
	}
	state.Engine = poller.NewEngine(sc.APIs(), poller.Options{
		DeviceID:       sc.DeviceID(),
		Fetcher:        m.opts.Fetcher,
		Push:           m.opts.Push,
		DefaultTimeout: m.opts.DefaultTimeout,
		MinInterval:    m.opts.MinInterval,
		Metrics:        m.opts.Metrics,
		Logger:         m.opts.Logger,
		OnUpdate:       func(u poller.Update) { m.onUpdate(state, u) },
	})

	m.seed(state)
	for _, r := range sc.Evaluate(m.samples(state), m.opts.Default) {
		state.renders[r.ID] = r
	}

	m.mu.Lock()
	m.sessions[sessionID] = state
	m.mu.Unlock()

	if err := state.Engine.Start(m.ctx); err != nil {
		m.StopSession(sessionID)
		return nil, fmt.Errorf("starting pollers: %w", err)
	}

	cp := *sess
	m.log.Info("preview session started",
		zap.String("session_id", sessionID),
		zap.String("device_id", sess.DeviceID),
		zap.String("variant", string(variant)),
		zap.Int("layers", sess.LayerCount),
		zap.Int("apis", sess.APICount),
		zap.Int("warnings", len(sess.Warnings)))
	return &cp, nil
}

// seed fills the engine from the mirror so the first render is not empty.
func (m *Manager) seed(state *SessionState) {
	if m.opts.Mirror == nil {
		return
	}
	deviceID := state.Scene.DeviceID()
	for _, api := range state.Scene.APIs() {
		entry, ok, err := m.opts.Mirror.Get(deviceID, api.ID)
		if err != nil {
			m.log.Debug("sample mirror read failed", zap.String("api_id", api.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := state.Engine.Seed(api.ID, entry.Body, entry.FetchedAt); err != nil {
			m.log.Debug("discarding mirrored sample", zap.String("api_id", api.ID), zap.Error(err))
		}
	}
}

func (m *Manager) samples(state *SessionState) scene.SampleSource {
	return scene.SampleFunc(state.Engine.Body)
}

// onUpdate runs on the engine's source goroutine for every transition.
func (m *Manager) onUpdate(state *SessionState, u poller.Update) {
	update := RenderUpdate{
		SessionID: state.Session.ID,
		APIID:     u.APIID,
		State:     u.State.String(),
		Layers:    make([]scene.LayerRender, 0),
	}
	if u.Err != nil {
		update.Error = u.Err.Error()
	}

	if u.State == poller.StateUpdated && u.Sample != nil {
		m.persist(state.Scene.DeviceID(), u.Sample)
		update.Layers = state.Scene.EvaluateFor(u.APIID, m.samples(state), m.opts.Default)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return
	}
	for _, r := range update.Layers {
		state.renders[r.ID] = r
	}
	state.version++
	update.Version = state.version
	for id, ch := range state.subs {
		select {
		case ch <- update:
		default:
			m.log.Debug("dropping render update for slow subscriber",
				zap.String("session_id", state.Session.ID), zap.String("subscriber", id))
		}
	}
}

func (m *Manager) persist(deviceID string, sample *poller.Sample) {
	if m.opts.History != nil {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
		if err := m.opts.History.Record(ctx, deviceID, sample); err != nil {
			m.log.Warn("recording sample failed", zap.String("api_id", sample.APIID), zap.Error(err))
		}
		cancel()
	}
	if m.opts.Mirror != nil {
		if err := m.opts.Mirror.Put(deviceID, sample); err != nil {
			m.log.Debug("mirroring sample failed", zap.String("api_id", sample.APIID), zap.Error(err))
		}
	}
}

// snapshot returns every layer in paint order. Caller holds state.mu.
func (state *SessionState) snapshot() []scene.LayerRender {
	layers := state.Scene.Layers()
	out := make([]scene.LayerRender, 0, len(layers))
	for _, l := range layers {
		if r, ok := state.renders[l.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager) get(id string) (*SessionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.sessions[id]
	return state, ok
}

// GetSession returns a session by ID.
func (m *Manager) GetSession(id string) (*models.PreviewSession, bool) {
	state, ok := m.get(id)
	if !ok {
		return nil, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	cp := *state.Session
	return &cp, true
}

// TouchSession updates the LastAccessed timestamp for a session.
// This should be called whenever a session is actively being used
// to prevent it from being cleaned up.
func (m *Manager) TouchSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return false
	}
	state.LastAccessed = time.Now()
	return true
}

// Render returns the latest render of every layer in paint order and the
// version it corresponds to.
func (m *Manager) Render(id string) ([]scene.LayerRender, uint64, bool) {
	state, ok := m.get(id)
	if !ok {
		return nil, 0, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.snapshot(), state.version, true
}

// Sample returns the latest sample of one source of a session.
func (m *Manager) Sample(id, apiID string) (*poller.Sample, bool) {
	state, ok := m.get(id)
	if !ok {
		return nil, false
	}
	if _, known := state.Scene.API(apiID); !known {
		return nil, false
	}
	return state.Engine.Sample(apiID), true
}

// Sources reports the poller stats of a session.
func (m *Manager) Sources(id string) ([]poller.Stats, bool) {
	state, ok := m.get(id)
	if !ok {
		return nil, false
	}
	return state.Engine.Stats(), true
}

// Subscribe registers for render updates. The first update on the channel
// is a full snapshot. The channel is closed when the session stops.
func (m *Manager) Subscribe(id string) (string, <-chan RenderUpdate, error) {
	state, ok := m.get(id)
	if !ok {
		return "", nil, ErrSessionNotFound
	}
	subID := uuid.New().String()
	ch := make(chan RenderUpdate, subscriberBuffer)

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return "", nil, ErrSessionNotFound
	}
	ch <- RenderUpdate{
		SessionID: id,
		Version:   state.version,
		Full:      true,
		Layers:    state.snapshot(),
		Sources:   state.Engine.Stats(),
	}
	state.subs[subID] = ch
	return subID, ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Manager) Unsubscribe(id, subID string) {
	state, ok := m.get(id)
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if ch, ok := state.subs[subID]; ok {
		delete(state.subs, subID)
		close(ch)
	}
}

func (state *SessionState) subscribers() int {
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.subs)
}

// close stops the engine and releases subscribers. Safe to call once the
// session has been removed from the map.
func (state *SessionState) close() {
	state.Engine.Stop()

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return
	}
	state.closed = true
	state.Session.Status = models.SessionStatusStopped
	state.Session.EndTime = time.Now().UnixMilli()
	for id, ch := range state.subs {
		delete(state.subs, id)
		close(ch)
	}
}

// StopSession stops polling and removes the session.
func (m *Manager) StopSession(id string) bool {
	m.mu.Lock()
	state, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	state.close()
	m.log.Info("preview session stopped", zap.String("session_id", id))
	return true
}

// ListSessions returns running sessions, most recently started first.
func (m *Manager) ListSessions() []*models.PreviewSession {
	m.mu.RLock()
	states := make([]*SessionState, 0, len(m.sessions))
	for _, state := range m.sessions {
		states = append(states, state)
	}
	m.mu.RUnlock()

	out := make([]*models.PreviewSession, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		cp := *state.Session
		state.mu.Unlock()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime > out[j].StartTime })
	return out
}

// cleanupOldSessionsIfNeeded evicts the least recently used idle session
// when the manager is at capacity.
func (m *Manager) cleanupOldSessionsIfNeeded() {
	m.mu.Lock()
	if len(m.sessions) < m.opts.MaxSessions {
		m.mu.Unlock()
		return
	}

	var (
		oldestID string
		oldest   time.Time
	)
	for id, state := range m.sessions {
		if state.subscribers() > 0 {
			continue
		}
		if oldestID == "" || state.LastAccessed.Before(oldest) {
			oldestID, oldest = id, state.LastAccessed
		}
	}
	victim, ok := m.sessions[oldestID]
	delete(m.sessions, oldestID)
	m.mu.Unlock()

	if ok {
		victim.close()
		m.log.Info("evicted preview session to free capacity", zap.String("session_id", oldestID))
	}
}

// CleanupOldSessions stops sessions that were not touched within maxAge.
// Sessions with live subscribers are never cleaned up.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	keepAliveCutoff := time.Now().Add(-SessionKeepAliveWindow)

	m.mu.Lock()
	var stale []*SessionState
	for id, state := range m.sessions {
		if state.LastAccessed.After(keepAliveCutoff) || state.subscribers() > 0 {
			continue
		}
		if state.LastAccessed.Before(cutoff) {
			stale = append(stale, state)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, state := range stale {
		state.close()
		m.log.Info("cleaned up aged preview session",
			zap.String("session_id", state.Session.ID),
			zap.Duration("idle", time.Since(state.LastAccessed).Round(time.Second)))
	}
}

// Close stops every session.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	all := make([]*SessionState, 0, len(m.sessions))
	for id, state := range m.sessions {
		all = append(all, state)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, state := range all {
		state.close()
	}
}
