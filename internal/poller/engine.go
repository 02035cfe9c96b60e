// Package poller keeps the latest response of every ApiSource of a device
// scene, fetching each on its own timer or feeding it from a push channel.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devscene/backend/internal/logging"
	"github.com/devscene/backend/internal/models"
)

const (
	DefaultTimeout     = 8 * time.Second
	DefaultMinInterval = 200 * time.Millisecond
)

// Sample is the latest decoded response of one ApiSource. Samples are
// never mutated after they are published.
type Sample struct {
	APIID     string    `json:"apiId"`
	Body      any       `json:"body"`
	Raw       []byte    `json:"-"`
	FetchedAt time.Time `json:"fetchedAt"`
	Seq       uint64    `json:"seq"`
}

// Update is delivered after every Updated or Failed transition. Sample is
// the current sample, which after a failure is the previous one (or nil).
type Update struct {
	DeviceID string
	APIID    string
	State    State
	Sample   *Sample
	Err      error
}

// PushSubscriber delivers inbound messages for a push channel.
type PushSubscriber interface {
	Subscribe(channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// Options configures an Engine. Zero values take the package defaults.
type Options struct {
	DeviceID       string
	Fetcher        Fetcher
	Push           PushSubscriber
	DefaultTimeout time.Duration
	MinInterval    time.Duration
	Metrics        *Metrics
	Logger         *zap.Logger

	// OnUpdate runs on the source's own goroutine. It must not call Stop
	// or StopSource.
	OnUpdate func(Update)
}

// Stats is a point-in-time view of one source.
type Stats struct {
	APIID        string    `json:"apiId"`
	State        State     `json:"state"`
	Push         bool      `json:"push"`
	Fetches      int64     `json:"fetches"`
	Failures     int64     `json:"failures"`
	Consecutive  int64     `json:"consecutiveFailures"`
	SkippedTicks int64     `json:"skippedTicks"`
	LastError    string    `json:"lastError,omitempty"`
	LastSuccess  time.Time `json:"lastSuccess,omitempty"`
	Seq          uint64    `json:"seq"`
}

type fetchResult struct {
	raw     []byte
	err     error
	elapsed time.Duration
}

type source struct {
	api      models.APISource
	interval time.Duration
	timeout  time.Duration

	sample   atomic.Pointer[Sample]
	state    atomic.Int32
	inFlight atomic.Bool
	fetches  atomic.Int64
	failures atomic.Int64
	consec   atomic.Int64
	skipped  atomic.Int64

	// mu serializes applying results with stopping, so nothing is
	// published once stop has returned.
	mu          sync.Mutex
	stopped     bool
	active      bool
	lastErr     error
	lastSuccess time.Time
	seq         uint64

	stop        chan struct{}
	unsubscribe func()
}

func (s *source) setState(st State) { s.state.Store(int32(st)) }

// Engine runs one independent loop per ApiSource.
type Engine struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	sources map[string]*source
	order   []string
	started bool
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine prepares sources for every ApiSource in apis. Nothing runs
// until Start.
func NewEngine(apis []models.APISource, opts Options) *Engine {
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher(nil)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	e := &Engine{
		opts:    opts,
		log:     logging.Named(opts.Logger, "poller").With(zap.String("device_id", opts.DeviceID)),
		sources: make(map[string]*source, len(apis)),
		done:    make(chan struct{}),
	}
	for _, api := range apis {
		if _, dup := e.sources[api.ID]; dup {
			continue
		}
		interval := api.IntervalDuration()
		if interval < opts.MinInterval {
			interval = opts.MinInterval
		}
		e.sources[api.ID] = &source{
			api:      api,
			interval: interval,
			timeout:  api.TimeoutDuration(opts.DefaultTimeout),
			stop:     make(chan struct{}),
		}
		e.order = append(e.order, api.ID)
	}
	return e
}

// Start schedules every polled source and subscribes every push source.
// The first fetch of each polled source happens immediately. Cancelling
// ctx stops the engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	for _, id := range e.order {
		src := e.sources[id]
		src.mu.Lock()
		stopped := src.stopped
		src.mu.Unlock()
		if stopped {
			continue
		}
		if src.api.UsePush {
			if err := e.subscribe(src); err != nil {
				e.log.Warn("push subscription failed",
					zap.String("api_id", id), zap.String("channel", src.api.PushService), zap.Error(err))
				src.mu.Lock()
				src.lastErr = err
				src.mu.Unlock()
				src.setState(StateFailed)
			}
			continue
		}
		src.mu.Lock()
		if src.stopped {
			src.mu.Unlock()
			continue
		}
		src.active = true
		src.setState(StateScheduled)
		src.mu.Unlock()
		e.opts.Metrics.sourceStarted()
		e.wg.Add(1)
		go e.run(src)
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				e.Stop()
			case <-e.done:
			}
		}()
	}
	return nil
}

func (e *Engine) subscribe(src *source) error {
	if e.opts.Push == nil {
		return ErrNoPushService
	}
	id := src.api.ID
	unsub, err := e.opts.Push.Subscribe(src.api.PushService, func(msg []byte) {
		if err := e.Push(id, msg); err != nil && !errors.Is(err, ErrStopped) {
			e.log.Debug("push message rejected", zap.String("api_id", id), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %q: %w", src.api.PushService, err)
	}
	src.mu.Lock()
	if src.stopped {
		// Stopped while subscribing.
		src.mu.Unlock()
		unsub()
		return nil
	}
	src.unsubscribe = unsub
	src.active = true
	src.setState(StateScheduled)
	src.mu.Unlock()
	e.opts.Metrics.sourceStarted()
	return nil
}

func (e *Engine) run(src *source) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("source loop panicked", zap.String("api_id", src.api.ID), zap.Any("panic", r))
		}
	}()

	results := make(chan fetchResult, 1)
	ticker := time.NewTicker(src.interval)
	defer ticker.Stop()

	e.tick(src, results)
	for {
		select {
		case <-src.stop:
			return
		case <-ticker.C:
			e.tick(src, results)
		case res := <-results:
			e.apply(src, res.raw, res.err, res.elapsed, false)
			src.inFlight.Store(false)
		}
	}
}

// tick starts a fetch unless one is already outstanding.
func (e *Engine) tick(src *source, results chan<- fetchResult) {
	if !src.inFlight.CompareAndSwap(false, true) {
		src.skipped.Add(1)
		e.opts.Metrics.observeSkip(e.opts.DeviceID, src.api.ID)
		return
	}
	src.setState(StateFetching)
	src.fetches.Add(1)
	go e.fetch(src, results)
}

// fetch runs outside the loop. Its context is not tied to Stop: an
// in-flight request completes and its result is dropped.
func (e *Engine) fetch(src *source, results chan<- fetchResult) {
	start := time.Now()
	var res fetchResult
	defer func() {
		if r := recover(); r != nil {
			res = fetchResult{err: &FetchError{APIID: src.api.ID, Kind: KindFetchFailure, Err: fmt.Errorf("panic: %v", r)}}
		}
		res.elapsed = time.Since(start)
		results <- res
	}()

	ctx, cancel := context.WithTimeout(context.Background(), src.timeout)
	defer cancel()
	res.raw, res.err = e.opts.Fetcher.Fetch(ctx, src.api)
	if res.err != nil {
		if _, ok := res.err.(*FetchError); !ok {
			res.err = &FetchError{APIID: src.api.ID, Kind: KindFetchFailure, Err: res.err}
		}
	}
}

// apply publishes a completed fetch or push message. On failure the
// previous sample stays current.
func (e *Engine) apply(src *source, raw []byte, err error, elapsed time.Duration, push bool) {
	var body any
	if err == nil {
		body, err = decodeBody(src.api.ID, raw)
	}

	src.mu.Lock()
	if src.stopped {
		src.mu.Unlock()
		return
	}
	var upd Update
	now := time.Now()
	if err != nil {
		src.lastErr = err
		src.failures.Add(1)
		src.consec.Add(1)
		src.setState(StateFailed)
		upd = Update{State: StateFailed, Sample: src.sample.Load(), Err: err}
	} else {
		src.seq++
		s := &Sample{APIID: src.api.ID, Body: body, Raw: raw, FetchedAt: now, Seq: src.seq}
		src.sample.Store(s)
		src.lastErr = nil
		src.lastSuccess = now
		src.consec.Store(0)
		src.setState(StateUpdated)
		upd = Update{State: StateUpdated, Sample: s}
	}
	src.mu.Unlock()

	if push {
		e.opts.Metrics.observePush(e.opts.DeviceID, src.api.ID, KindOf(err), err == nil)
	} else {
		e.opts.Metrics.observeFetch(e.opts.DeviceID, src.api.ID, KindOf(err), err == nil, elapsed)
	}
	if err != nil {
		e.log.Warn("fetch failed",
			zap.String("api_id", src.api.ID),
			zap.String("kind", string(KindOf(err))),
			zap.Int64("failures", src.consec.Load()),
			zap.Error(err))
	}

	upd.DeviceID, upd.APIID = e.opts.DeviceID, src.api.ID
	e.notify(upd)

	src.mu.Lock()
	if !src.stopped {
		src.setState(StateScheduled)
	}
	src.mu.Unlock()
}

func (e *Engine) notify(u Update) {
	if e.opts.OnUpdate == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("update callback panicked", zap.String("api_id", u.APIID), zap.Any("panic", r))
		}
	}()
	e.opts.OnUpdate(u)
}

// Push applies an inbound message for a push source with the same
// replace-and-notify semantics as a completed fetch.
func (e *Engine) Push(apiID string, raw []byte) error {
	src, ok := e.source(apiID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, apiID)
	}
	src.mu.Lock()
	stopped := src.stopped
	src.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	e.apply(src, raw, nil, 0, true)
	return nil
}

// Seed installs an initial sample, for example one restored from a cache,
// if the source has none yet. It does not notify.
func (e *Engine) Seed(apiID string, raw []byte, fetchedAt time.Time) error {
	src, ok := e.source(apiID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, apiID)
	}
	body, err := decodeBody(apiID, raw)
	if err != nil {
		return err
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.stopped || src.sample.Load() != nil {
		return nil
	}
	src.sample.Store(&Sample{APIID: apiID, Body: body, Raw: raw, FetchedAt: fetchedAt})
	return nil
}

func (e *Engine) source(apiID string) (*source, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.sources[apiID]
	return src, ok
}

// Sample returns the latest sample of apiID, or nil if none arrived yet.
func (e *Engine) Sample(apiID string) *Sample {
	src, ok := e.source(apiID)
	if !ok {
		return nil
	}
	return src.sample.Load()
}

// Body returns the decoded body of the latest sample. Wrapped in
// scene.SampleFunc it serves as a scene.SampleSource.
func (e *Engine) Body(apiID string) (any, bool) {
	s := e.Sample(apiID)
	if s == nil {
		return nil, false
	}
	return s.Body, true
}

// State returns the current state of apiID.
func (e *Engine) State(apiID string) State {
	src, ok := e.source(apiID)
	if !ok {
		return StateIdle
	}
	return State(src.state.Load())
}

// Stats reports every source in declaration order.
func (e *Engine) Stats() []Stats {
	e.mu.Lock()
	srcs := make([]*source, 0, len(e.order))
	for _, id := range e.order {
		srcs = append(srcs, e.sources[id])
	}
	e.mu.Unlock()

	out := make([]Stats, 0, len(srcs))
	for _, src := range srcs {
		st := Stats{
			APIID:        src.api.ID,
			State:        State(src.state.Load()),
			Push:         src.api.UsePush,
			Fetches:      src.fetches.Load(),
			Failures:     src.failures.Load(),
			Consecutive:  src.consec.Load(),
			SkippedTicks: src.skipped.Load(),
		}
		src.mu.Lock()
		if src.lastErr != nil {
			st.LastError = src.lastErr.Error()
		}
		st.LastSuccess = src.lastSuccess
		st.Seq = src.seq
		src.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// StopSource stops one source. A fetch already in flight completes but its
// result is discarded.
func (e *Engine) StopSource(apiID string) error {
	src, ok := e.source(apiID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, apiID)
	}
	e.stopSource(src)
	return nil
}

func (e *Engine) stopSource(src *source) {
	src.mu.Lock()
	if src.stopped {
		src.mu.Unlock()
		return
	}
	wasActive := src.active
	src.stopped = true
	src.active = false
	src.setState(StateStopped)
	unsub := src.unsubscribe
	src.unsubscribe = nil
	close(src.stop)
	src.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if wasActive {
		e.opts.Metrics.sourceStopped()
	}
}

// Stop stops every source and waits for their loops to exit. It is safe
// to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.done)
	srcs := make([]*source, 0, len(e.sources))
	for _, src := range e.sources {
		srcs = append(srcs, src)
	}
	e.mu.Unlock()

	for _, src := range srcs {
		e.stopSource(src)
	}
	e.wg.Wait()
}
