package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devscene/backend/internal/models"
	"github.com/devscene/backend/internal/poller"
	"github.com/devscene/backend/internal/samplecache"
	"github.com/devscene/backend/internal/scene"
	"github.com/devscene/backend/internal/storage"
	"github.com/devscene/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	mu      sync.Mutex
	entries map[string]*samplecache.Entry
	puts    int
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{entries: make(map[string]*samplecache.Entry)}
}

func (f *fakeMirror) Put(deviceID string, s *poller.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.entries[samplecache.Key(deviceID, s.APIID)] = &samplecache.Entry{
		APIID: s.APIID, Seq: s.Seq, FetchedAt: s.FetchedAt, Body: json.RawMessage(s.Raw),
	}
	return nil
}

func (f *fakeMirror) Get(deviceID, apiID string) (*samplecache.Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[samplecache.Key(deviceID, apiID)]
	return e, ok, nil
}

func (f *fakeMirror) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

type fakeHistory struct {
	mu      sync.Mutex
	samples []*poller.Sample
}

func (f *fakeHistory) Record(ctx context.Context, deviceID string, s *poller.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func testConfig(deviceID string) *models.DeviceConfig {
	return &models.DeviceConfig{
		DeviceID: deviceID,
		Width:    800,
		Height:   600,
		APIs: []models.APISource{
			{ID: "ports", URL: "http://device/ports", Method: models.MethodGet, Interval: 20},
			{ID: "info", URL: "http://device/info", Method: models.MethodGet, Interval: 60000},
		},
		Layers: []models.Layer{
			{
				ID: "p1", Type: models.LayerPortAdv, Visible: true, ZIndex: 2,
				Config: &models.PortConfig{
					APIID:       "ports",
					PortDataKey: "rows[0].state",
					StatusMapping: models.StatusMapping{
						"1": {IconURL: "green.gif", Label: "on"},
						"0": {IconURL: "red.gif", Label: "off"},
					},
				},
			},
			{
				ID: "title", Type: models.LayerCard, Visible: true, ZIndex: 1,
				Config: &models.CardConfig{Title: "Model", APIID: "info", DataKey: "model"},
			},
		},
	}
}

func newTestManager(t *testing.T, opts Options) (*Manager, *testutil.MockStorage, *testutil.MockFetcher) {
	t.Helper()
	store := testutil.NewMockStorage()
	fetcher := testutil.NewMockFetcher()
	if opts.Store == nil {
		opts.Store = store
	}
	if opts.Fetcher == nil {
		opts.Fetcher = fetcher
	}
	opts.MinInterval = 10 * time.Millisecond
	m := NewManager(opts)
	t.Cleanup(m.Close)
	return m, store, fetcher
}

func layerByID(layers []scene.LayerRender, id string) (scene.LayerRender, bool) {
	for _, l := range layers {
		if l.ID == id {
			return l, true
		}
	}
	return scene.LayerRender{}, false
}

func TestStartSession_RendersPolledValues(t *testing.T) {
	m, store, fetcher := newTestManager(t, Options{})
	store.AddScene(testConfig("dev-1"))
	fetcher.SetBody("ports", `{"rows":[{"state":1}]}`)
	fetcher.SetBody("info", `{"model":"X200"}`)

	sess, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, sess.Status)
	assert.Equal(t, 2, sess.LayerCount)
	assert.Equal(t, 2, sess.APICount)

	require.Eventually(t, func() bool {
		layers, _, ok := m.Render(sess.ID)
		if !ok {
			return false
		}
		p1, _ := layerByID(layers, "p1")
		card, _ := layerByID(layers, "title")
		return p1.Status != nil && p1.Status.Label == "on" && card.Text == "X200"
	}, 2*time.Second, 10*time.Millisecond)

	layers, version, ok := m.Render(sess.ID)
	require.True(t, ok)
	assert.Greater(t, version, uint64(0))
	require.Len(t, layers, 2)
	assert.Equal(t, "title", layers[0].ID, "paint order follows zIndex")
	assert.Equal(t, "p1", layers[1].ID)

	s, ok := m.Sample(sess.ID, "ports")
	require.True(t, ok)
	require.NotNil(t, s)
	assert.Equal(t, "ports", s.APIID)

	_, ok = m.Sample(sess.ID, "nope")
	assert.False(t, ok)

	stats, ok := m.Sources(sess.ID)
	require.True(t, ok)
	require.Len(t, stats, 2)
	assert.Equal(t, "ports", stats[0].APIID)
}

func TestStartSession_Errors(t *testing.T) {
	m, store, _ := newTestManager(t, Options{})

	_, err := m.StartSession("missing", models.VariantFront)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	store.AddScene(testConfig("dev-1"))
	_, err = m.StartSession("dev-1", models.VariantBack)
	assert.True(t, errors.Is(err, ErrVariantMissing))

	bad := testConfig("dev-2")
	bad.Layers = append(bad.Layers, bad.Layers[0])
	store.AddScene(bad)
	_, err = m.StartSession("dev-2", models.VariantFront)
	var verr *scene.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "dev-2", verr.DeviceID)
	assert.Empty(t, m.ListSessions())
}

func TestStartSession_DanglingReferenceWarns(t *testing.T) {
	m, store, fetcher := newTestManager(t, Options{})
	cfg := testConfig("dev-1")
	cfg.Layers[1].Config.(*models.CardConfig).APIID = "ghost"
	store.AddScene(cfg)
	fetcher.SetBody("ports", `{"rows":[{"state":0}]}`)

	sess, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)
	require.Len(t, sess.Warnings, 1)
	assert.Contains(t, sess.Warnings[0], "ghost")

	require.Eventually(t, func() bool {
		layers, _, _ := m.Render(sess.ID)
		p1, _ := layerByID(layers, "p1")
		return p1.Status != nil && p1.Status.Label == "off"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartSession_SeedsFromMirrorAndRecords(t *testing.T) {
	mirror := newFakeMirror()
	hist := &fakeHistory{}
	m, store, fetcher := newTestManager(t, Options{Mirror: mirror, History: hist})
	store.AddScene(testConfig("dev-1"))
	fetcher.SetError("ports", errors.New("device offline"))
	fetcher.SetBody("info", `{"model":"X200"}`)

	cached := &poller.Sample{APIID: "ports", Raw: []byte(`{"rows":[{"state":0}]}`), FetchedAt: time.Now()}
	require.NoError(t, mirror.Put("dev-1", cached))

	sess, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)

	layers, _, ok := m.Render(sess.ID)
	require.True(t, ok)
	p1, _ := layerByID(layers, "p1")
	require.NotNil(t, p1.Status, "first render comes from the mirror")
	assert.Equal(t, "off", p1.Status.Label)

	require.Eventually(t, func() bool { return hist.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, mirror.putCount(), 2)

	// the failing source keeps the mirrored sample
	time.Sleep(50 * time.Millisecond)
	layers, _, _ = m.Render(sess.ID)
	p1, _ = layerByID(layers, "p1")
	require.NotNil(t, p1.Status)
	assert.Equal(t, "off", p1.Status.Label)
}

func TestSubscribe(t *testing.T) {
	m, store, fetcher := newTestManager(t, Options{})
	store.AddScene(testConfig("dev-1"))
	fetcher.SetBody("ports", `{"rows":[{"state":1}]}`)
	fetcher.SetBody("info", `{"model":"X200"}`)

	sess, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)

	subID, ch, err := m.Subscribe(sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, subID)

	first := <-ch
	assert.True(t, first.Full)
	assert.Len(t, first.Layers, 2)

	select {
	case upd := <-ch:
		assert.False(t, upd.Full)
		assert.Greater(t, upd.Version, first.Version)
		assert.NotEmpty(t, upd.APIID)
	case <-time.After(2 * time.Second):
		t.Fatal("no incremental update")
	}

	assert.True(t, m.StopSession(sess.ID))
	for range ch {
	}
	_, ok := m.GetSession(sess.ID)
	assert.False(t, ok)

	_, _, err = m.Subscribe(sess.ID)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.False(t, m.StopSession(sess.ID))
}

func TestUnsubscribe(t *testing.T) {
	m, store, _ := newTestManager(t, Options{})
	store.AddScene(testConfig("dev-1"))

	sess, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)
	subID, ch, err := m.Subscribe(sess.ID)
	require.NoError(t, err)

	m.Unsubscribe(sess.ID, subID)
	m.Unsubscribe(sess.ID, subID)
	<-ch // snapshot
	_, open := <-ch
	assert.False(t, open)
}

func TestMaxSessionsEvictsLeastRecentlyUsed(t *testing.T) {
	m, store, _ := newTestManager(t, Options{MaxSessions: 2})
	store.AddScene(testConfig("dev-1"))

	first, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)
	second, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)

	m.mu.Lock()
	m.sessions[first.ID].LastAccessed = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	third, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)

	_, ok := m.GetSession(first.ID)
	assert.False(t, ok)
	_, ok = m.GetSession(second.ID)
	assert.True(t, ok)
	_, ok = m.GetSession(third.ID)
	assert.True(t, ok)
}

func TestMaxSessionsWithSubscribers(t *testing.T) {
	m, store, _ := newTestManager(t, Options{MaxSessions: 1})
	store.AddScene(testConfig("dev-1"))

	first, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)
	_, _, err = m.Subscribe(first.ID)
	require.NoError(t, err)

	_, err = m.StartSession("dev-1", models.VariantFront)
	assert.True(t, errors.Is(err, ErrTooManySessions))
}

func TestCleanupOldSessions(t *testing.T) {
	m, store, _ := newTestManager(t, Options{})
	store.AddScene(testConfig("dev-1"))

	stale, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)
	fresh, err := m.StartSession("dev-1", models.VariantFront)
	require.NoError(t, err)

	m.mu.Lock()
	m.sessions[stale.ID].LastAccessed = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	m.CleanupOldSessions(SessionMaxAge)

	_, ok := m.GetSession(stale.ID)
	assert.False(t, ok)
	_, ok = m.GetSession(fresh.ID)
	assert.True(t, ok)

	assert.True(t, m.TouchSession(fresh.ID))
	assert.False(t, m.TouchSession(stale.ID))
}

func TestClose(t *testing.T) {
	m, store, _ := newTestManager(t, Options{})
	store.AddScene(testConfig("dev-1"))

	for i := 0; i < 3; i++ {
		_, err := m.StartSession("dev-1", models.VariantFront)
		require.NoError(t, err)
	}
	require.Len(t, m.ListSessions(), 3)

	m.Close()
	assert.Empty(t, m.ListSessions())
}
