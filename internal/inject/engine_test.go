package inject

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "cockpit/internal/errors"
	"cockpit/internal/logging"
)

type fakeStrategy struct {
	name      string
	available bool
	err       error
	delay     time.Duration

	mu    sync.Mutex
	calls []string
}

func (f *fakeStrategy) Name() string                   { return f.name }
func (f *fakeStrategy) Available(context.Context) bool { return f.available }

func (f *fakeStrategy) Send(_ context.Context, _ string, text string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	return f.err
}

func (f *fakeStrategy) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestEngine(cfg Config, strategies ...Strategy) *Engine {
	cfg.RetryDelay = time.Millisecond
	cfg.QueueDelay = time.Millisecond
	return newEngineWith(cfg, nil, logging.Nop(), strategies...)
}

func TestInjectFallsBackInChainOrder(t *testing.T) {
	first := &fakeStrategy{name: "first", available: true, err: cerrors.New(cerrors.Internal, "boom")}
	second := &fakeStrategy{name: "second", available: true}
	e := newTestEngine(Config{}, first, second)

	res, err := e.Inject(context.Background(), "conv-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "second", res.Method)
	assert.Equal(t, []string{"first", "second"}, res.Attempts)
}

func TestInjectSkipsUnavailableStrategies(t *testing.T) {
	down := &fakeStrategy{name: "down", available: false}
	up := &fakeStrategy{name: "up", available: true}
	e := newTestEngine(Config{}, down, up)

	res, err := e.Inject(context.Background(), "conv-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "up", res.Method)
	assert.Equal(t, []string{"up"}, res.Attempts)
	assert.Zero(t, down.callCount())
}

func TestInjectNeverRetriesFailedMethod(t *testing.T) {
	failing := &fakeStrategy{name: "only", available: true, err: cerrors.New(cerrors.Internal, "boom")}
	e := newTestEngine(Config{}, failing)

	_, err := e.Inject(context.Background(), "conv-1", "hello")
	require.Error(t, err)
	assert.Equal(t, cerrors.NoStrategyAvailable, cerrors.KindOf(err))
	assert.Equal(t, 1, failing.callCount())
}

func TestInjectPreferredGoesFirst(t *testing.T) {
	a := &fakeStrategy{name: "a", available: true}
	b := &fakeStrategy{name: "b", available: true}
	e := newTestEngine(Config{Preferred: "b"}, a, b)

	res, err := e.Inject(context.Background(), "conv-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "b", res.Method)
}

func TestInjectAdapterUnreachable(t *testing.T) {
	eval := &fakeStrategy{name: MethodCDPEval, available: false}
	e := newTestEngine(Config{}, eval)

	_, err := e.Inject(context.Background(), "conv-1", "hello")
	require.Error(t, err)
	assert.Equal(t, cerrors.Unavailable, cerrors.KindOf(err))
}

func TestInjectRejectsEmptyText(t *testing.T) {
	e := newTestEngine(Config{}, &fakeStrategy{name: "a", available: true})

	_, err := e.Inject(context.Background(), "conv-1", "   ")
	require.Error(t, err)
	assert.Equal(t, cerrors.Validation, cerrors.KindOf(err))
}

func TestStatsAndBestMethod(t *testing.T) {
	flaky := &fakeStrategy{name: "flaky", available: true, err: cerrors.New(cerrors.Internal, "boom")}
	steady := &fakeStrategy{name: "steady", available: true}
	e := newTestEngine(Config{}, flaky, steady)

	for i := 0; i < 3; i++ {
		_, err := e.Inject(context.Background(), "conv-1", "hello")
		require.NoError(t, err)
	}

	assert.Equal(t, "steady", e.BestMethod())
	stats := e.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 3, stats[0].Failures)
	assert.Equal(t, 3, stats[1].Successes)
}

func TestSameConversationSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	slow := &fakeStrategy{name: "slow", available: true, delay: 10 * time.Millisecond}
	e := newTestEngine(Config{}, slow)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := e.lockConversation("conv-1")
			m.Lock()
			cur := inFlight.Add(1)
			if cur > maxInFlight.Load() {
				maxInFlight.Store(cur)
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			m.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestQueueDrainDeliversInOrder(t *testing.T) {
	sink := &fakeStrategy{name: "sink", available: true}
	e := newTestEngine(Config{}, sink)

	for _, text := range []string{"one", "two", "three"} {
		_, err := e.Enqueue("conv-1", text)
		require.NoError(t, err)
	}
	require.Len(t, e.Queue(), 3)

	delivered, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, []string{"one", "two", "three"}, sink.calls)
	assert.Empty(t, e.Queue())
}

func TestQueueDrainStopsOnFailure(t *testing.T) {
	failing := &fakeStrategy{name: "sink", available: true, err: cerrors.New(cerrors.Internal, "boom")}
	e := newTestEngine(Config{}, failing)

	_, err := e.Enqueue("conv-1", "one")
	require.NoError(t, err)
	_, err = e.Enqueue("conv-1", "two")
	require.NoError(t, err)

	delivered, err := e.Drain(context.Background())
	require.Error(t, err)
	assert.Zero(t, delivered)
	assert.Len(t, e.Queue(), 2)
}

func TestDequeueRemovesItem(t *testing.T) {
	e := newTestEngine(Config{}, &fakeStrategy{name: "sink", available: true})

	item, err := e.Enqueue("conv-1", "one")
	require.NoError(t, err)
	require.NoError(t, e.Dequeue(item.ID))
	assert.Empty(t, e.Queue())

	err = e.Dequeue(item.ID)
	assert.Equal(t, cerrors.NotFound, cerrors.KindOf(err))
}
