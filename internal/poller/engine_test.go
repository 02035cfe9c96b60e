package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devscene/backend/internal/models"
)

// scriptedFetcher answers fetches from a function and tracks concurrency.
type scriptedFetcher struct {
	fn        func(ctx context.Context, n int64) ([]byte, error)
	calls     atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
	activeMu  sync.Mutex
}

func (f *scriptedFetcher) Fetch(ctx context.Context, api models.APISource) ([]byte, error) {
	n := f.calls.Add(1)
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	f.activeMu.Lock()
	if cur > f.maxActive.Load() {
		f.maxActive.Store(cur)
	}
	f.activeMu.Unlock()
	return f.fn(ctx, n)
}

func polled(id string, ms int) models.APISource {
	return models.APISource{ID: id, URL: "http://dev/" + id, Method: models.MethodGet, Interval: ms}
}

func TestEngine_FetchesAndNotifies(t *testing.T) {
	f := &scriptedFetcher{fn: func(context.Context, int64) ([]byte, error) {
		return []byte(`{"rows":[{"state":true}]}`), nil
	}}
	var updates atomic.Int64
	e := NewEngine([]models.APISource{polled("api-1", 20)}, Options{
		DeviceID:    "d1",
		Fetcher:     f,
		MinInterval: time.Millisecond,
		OnUpdate: func(u Update) {
			if u.State == StateUpdated {
				updates.Add(1)
			}
		},
	})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return updates.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s := e.Sample("api-1")
	require.NotNil(t, s)
	assert.GreaterOrEqual(t, s.Seq, uint64(3))

	body, ok := e.Body("api-1")
	require.True(t, ok)
	assert.Contains(t, body.(map[string]any), "rows")

	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
}

func TestEngine_AtMostOneInFlight(t *testing.T) {
	release := make(chan struct{})
	f := &scriptedFetcher{fn: func(ctx context.Context, n int64) ([]byte, error) {
		if n == 1 {
			<-release
		}
		return []byte(`{}`), nil
	}}
	e := NewEngine([]models.APISource{polled("slow", 10)}, Options{Fetcher: f, MinInterval: time.Millisecond})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return e.Stats()[0].SkippedTicks >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.calls.Load(), "no second fetch while the first is outstanding")
	assert.Equal(t, StateFetching, e.State("slow"))

	close(release)
	require.Eventually(t, func() bool { return f.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.maxActive.Load())
}

func TestEngine_FailureKeepsPreviousSample(t *testing.T) {
	f := &scriptedFetcher{fn: func(ctx context.Context, n int64) ([]byte, error) {
		switch n {
		case 1:
			return []byte(`{"rows":[{"state":true}]}`), nil
		case 2:
			return nil, &FetchError{APIID: "api-1", Kind: KindFetchFailure, Status: 500, Err: errors.New("boom")}
		}
		return []byte(`not json`), nil
	}}
	var mu sync.Mutex
	var failed []Update
	e := NewEngine([]models.APISource{polled("api-1", 15)}, Options{
		Fetcher:     f,
		MinInterval: time.Millisecond,
		OnUpdate: func(u Update) {
			if u.State == StateFailed {
				mu.Lock()
				failed = append(failed, u)
				mu.Unlock()
			}
		},
	})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, KindFetchFailure, KindOf(failed[0].Err))
	assert.Equal(t, KindMalformedResponse, KindOf(failed[1].Err))
	require.NotNil(t, failed[1].Sample)
	assert.Equal(t, uint64(1), failed[1].Sample.Seq)
	mu.Unlock()

	s := e.Sample("api-1")
	require.NotNil(t, s)
	assert.Equal(t, uint64(1), s.Seq, "failed fetches never replace the sample")

	st := e.Stats()[0]
	assert.GreaterOrEqual(t, st.Failures, int64(2))
	assert.NotEmpty(t, st.LastError)
}

func TestEngine_StopDiscardsInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := &scriptedFetcher{fn: func(ctx context.Context, n int64) ([]byte, error) {
		close(started)
		<-release
		return []byte(`{"late":true}`), nil
	}}
	var notified atomic.Bool
	e := NewEngine([]models.APISource{polled("api-1", 1000)}, Options{
		Fetcher:  f,
		OnUpdate: func(Update) { notified.Store(true) },
	})
	require.NoError(t, e.Start(context.Background()))
	<-started

	e.Stop()
	close(release)
	time.Sleep(50 * time.Millisecond)

	assert.Nil(t, e.Sample("api-1"))
	assert.False(t, notified.Load())
	assert.Equal(t, StateStopped, e.State("api-1"))
	e.Stop()
}

func TestEngine_StopSourceLeavesOthersRunning(t *testing.T) {
	f := &scriptedFetcher{fn: func(context.Context, int64) ([]byte, error) { return []byte(`{}`), nil }}
	e := NewEngine([]models.APISource{polled("a", 10), polled("b", 10)}, Options{Fetcher: f, MinInterval: time.Millisecond})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.NoError(t, e.StopSource("a"))
	assert.Equal(t, StateStopped, e.State("a"))
	assert.ErrorIs(t, e.StopSource("zzz"), ErrUnknownSource)

	before := e.Stats()[1].Fetches
	require.Eventually(t, func() bool { return e.Stats()[1].Fetches > before }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStopped, e.State("a"))
}

func TestEngine_StopSourceBeforeStart(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	push := &fakePush{}
	f := &scriptedFetcher{fn: func(context.Context, int64) ([]byte, error) { return []byte(`{}`), nil }}
	apis := []models.APISource{
		polled("a", 10),
		polled("b", 10),
		{ID: "p", UsePush: true, PushService: "ws-status"},
	}
	e := NewEngine(apis, Options{Fetcher: f, Push: push, Metrics: m, MinInterval: time.Millisecond})

	require.NoError(t, e.StopSource("a"))
	require.NoError(t, e.StopSource("p"))
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool { return e.Stats()[1].Fetches > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStopped, e.State("a"))
	assert.Equal(t, StateStopped, e.State("p"))
	assert.Zero(t, e.Stats()[0].Fetches)
	assert.Empty(t, push.handlers, "stopped push sources are not subscribed")
	assert.Equal(t, float64(1), promtest.ToFloat64(m.sources))

	e.Stop()
	assert.Equal(t, StateStopped, e.State("a"))
	assert.Equal(t, float64(0), promtest.ToFloat64(m.sources))
}

func TestEngine_TimeoutOverride(t *testing.T) {
	f := &scriptedFetcher{fn: func(ctx context.Context, n int64) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	api := polled("api-1", 1000)
	api.Timeout = 20
	e := NewEngine([]models.APISource{api}, Options{Fetcher: f})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return e.Stats()[0].Failures == 1 }, time.Second, 5*time.Millisecond)
	st := e.Stats()[0]
	assert.Contains(t, st.LastError, context.DeadlineExceeded.Error())
}

func TestEngine_PanickingFetcherBecomesFailure(t *testing.T) {
	f := &scriptedFetcher{fn: func(context.Context, int64) ([]byte, error) { panic("driver bug") }}
	e := NewEngine([]models.APISource{polled("api-1", 1000)}, Options{Fetcher: f})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool { return e.Stats()[0].Failures == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, e.Stats()[0].LastError, "driver bug")
}

func TestEngine_ContextCancelStops(t *testing.T) {
	f := &scriptedFetcher{fn: func(context.Context, int64) ([]byte, error) { return []byte(`{}`), nil }}
	e := NewEngine([]models.APISource{polled("api-1", 1000)}, Options{Fetcher: f})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	cancel()
	require.Eventually(t, func() bool { return e.State("api-1") == StateStopped }, time.Second, 5*time.Millisecond)
}

type fakePush struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	unsubbed atomic.Int64
}

func (p *fakePush) Subscribe(channel string, h func([]byte)) (func(), error) {
	if channel == "broken" {
		return nil, errors.New("no such channel")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handlers == nil {
		p.handlers = make(map[string]func([]byte))
	}
	p.handlers[channel] = h
	return func() { p.unsubbed.Add(1) }, nil
}

func (p *fakePush) send(channel, msg string) {
	p.mu.Lock()
	h := p.handlers[channel]
	p.mu.Unlock()
	h([]byte(msg))
}

func TestEngine_PushSources(t *testing.T) {
	push := &fakePush{}
	f := &scriptedFetcher{fn: func(context.Context, int64) ([]byte, error) { return []byte(`{}`), nil }}
	apis := []models.APISource{
		{ID: "live", UsePush: true, PushService: "ws-status"},
		{ID: "dead", UsePush: true, PushService: "broken"},
	}
	var updates atomic.Int64
	e := NewEngine(apis, Options{Fetcher: f, Push: push, OnUpdate: func(Update) { updates.Add(1) }})
	require.NoError(t, e.Start(context.Background()))

	assert.Equal(t, StateScheduled, e.State("live"))
	assert.Equal(t, StateFailed, e.State("dead"))

	push.send("ws-status", `{"rows":[{"state":false}]}`)
	s := e.Sample("live")
	require.NotNil(t, s)
	assert.Equal(t, uint64(1), s.Seq)

	push.send("ws-status", `garbage`)
	assert.Equal(t, uint64(1), e.Sample("live").Seq)
	assert.Equal(t, int64(1), e.Stats()[0].Failures)
	assert.Equal(t, int64(2), updates.Load())
	assert.Zero(t, f.calls.Load(), "push sources are never polled")

	e.Stop()
	assert.Equal(t, int64(1), push.unsubbed.Load())
	assert.ErrorIs(t, e.Push("live", []byte(`{}`)), ErrStopped)
	assert.ErrorIs(t, e.Push("nope", []byte(`{}`)), ErrUnknownSource)
}

func TestEngine_Seed(t *testing.T) {
	e := NewEngine([]models.APISource{polled("api-1", 1000)}, Options{})
	require.NoError(t, e.Seed("api-1", []byte(`{"rows":[{"state":true}]}`), time.Unix(100, 0)))
	s := e.Sample("api-1")
	require.NotNil(t, s)
	assert.Equal(t, uint64(0), s.Seq)

	require.NoError(t, e.Seed("api-1", []byte(`{"other":1}`), time.Unix(200, 0)))
	assert.Equal(t, time.Unix(100, 0), e.Sample("api-1").FetchedAt, "seed never overwrites")

	assert.Equal(t, KindMalformedResponse, KindOf(e.Seed("api-1", []byte(`<`), time.Now())))
	assert.ErrorIs(t, e.Seed("x", []byte(`{}`), time.Now()), ErrUnknownSource)
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	assert.Same(t, m.fetches, NewMetrics(reg).fetches)

	f := &scriptedFetcher{fn: func(context.Context, int64) ([]byte, error) { return []byte(`{}`), nil }}
	e := NewEngine([]models.APISource{polled("api-1", 1000)}, Options{DeviceID: "d1", Fetcher: f, Metrics: m})
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		return promtest.ToFloat64(m.fetches.WithLabelValues("d1", "api-1", "ok")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), promtest.ToFloat64(m.sources))

	e.Stop()
	assert.Equal(t, float64(0), promtest.ToFloat64(m.sources))
}
