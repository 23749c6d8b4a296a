package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentworkforce/tenantsync/internal/entities"
)

func TestProtectionWindow(t *testing.T) {
	clock := newFakeClock()
	c := newCore(clock.Now)
	c.epoch = 1
	c.arena = newArena("t1", 1)
	p := &SaveProtectionWindow{c: c, window: 3 * time.Second}

	assert.False(t, p.IsProtected("theme_config", "t1"))
	p.RecordSave("theme_config", "t1", "req-1")
	assert.True(t, p.IsProtected("theme_config", "t1"))
	assert.True(t, p.HasUnsavedChanges("theme_config", "t1"))

	clock.Advance(2999 * time.Millisecond)
	assert.True(t, p.IsProtected("theme_config", "t1"))
	clock.Advance(time.Millisecond)
	assert.False(t, p.IsProtected("theme_config", "t1"))
	assert.False(t, p.HasUnsavedChanges("theme_config", "t1"))
	assert.False(t, p.IsProtected("theme_config", "t2"))
}

func TestProtectionOwnEchoIsConsumedOnce(t *testing.T) {
	c := newCore(nil)
	c.epoch = 1
	c.arena = newArena("t1", 1)
	p := &SaveProtectionWindow{c: c, window: time.Second}

	c.mu.Lock()
	for i := 0; i < recentRequestIDs+2; i++ {
		p.rememberPendingLocked("orders", "t1", string(rune('a'+i)))
	}
	c.mu.Unlock()

	assert.False(t, p.IsOwnEcho("orders", "t1", ""))
	assert.False(t, p.IsOwnEcho("orders", "t1", "a"), "oldest ids are evicted")
	assert.True(t, p.IsOwnEcho("orders", "t1", "j"))
	assert.False(t, p.IsOwnEcho("orders", "t1", "j"))
	assert.False(t, p.IsOwnEcho("orders", "t2", "i"))
}

type recordingData struct {
	*fakeData
	mu    sync.Mutex
	delay map[string]time.Duration
}

func (r *recordingData) SaveImmediate(ctx context.Context, key string, value json.RawMessage, tenantID string, opts WriteOptions) error {
	r.mu.Lock()
	d := r.delay[string(value)]
	r.mu.Unlock()
	time.Sleep(d)
	return r.fakeData.SaveImmediate(ctx, key, value, tenantID, opts)
}

func newTestScheduler(c *core, data DataService, debounce time.Duration) *PersistenceScheduler {
	return &PersistenceScheduler{
		ctx:          context.Background(),
		c:            c,
		protection:   &SaveProtectionWindow{c: c, window: time.Second},
		data:         data,
		registry:     entities.Default(),
		logger:       zap.NewNop(),
		debounce:     debounce,
		writeTimeout: time.Second,
		newRequestID: func() string { return "req" },
		pending:      map[string]*pendingWrite{},
		lanes:        map[string]*lane{},
	}
}

func TestSchedulerKeepsPerKeyOrder(t *testing.T) {
	c := newCore(nil)
	c.epoch = 1
	c.arena = newArena("t1", 1)
	data := &recordingData{fakeData: newFakeData(), delay: map[string]time.Duration{`1`: 30 * time.Millisecond}}
	s := newTestScheduler(c, data, time.Hour)

	require.True(t, s.Schedule("products", "t1", json.RawMessage(`1`), entities.ModeImmediate))
	require.True(t, s.Schedule("products", "t1", json.RawMessage(`2`), entities.ModeImmediate))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	writes := data.savedWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, "1", writes[0].Value)
	assert.Equal(t, "2", writes[1].Value)
	assert.False(t, s.Busy())
}

func TestSchedulerCancelDropsPendingWrites(t *testing.T) {
	c := newCore(nil)
	c.epoch = 1
	c.arena = newArena("t1", 1)
	data := newFakeData()
	s := newTestScheduler(c, data, time.Hour)

	require.True(t, s.Schedule("orders", "t1", json.RawMessage(`[1]`), entities.ModeDebounced))
	assert.True(t, s.Busy())
	s.Cancel()
	assert.False(t, s.Busy())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Empty(t, data.savedWrites())
}

func TestSchedulerDropsWriteForSupersededEpoch(t *testing.T) {
	c := newCore(nil)
	c.epoch = 1
	c.arena = newArena("t1", 1)
	data := newFakeData()
	s := newTestScheduler(c, data, time.Hour)

	require.True(t, s.Schedule("orders", "t1", json.RawMessage(`[1]`), entities.ModeDebounced))
	c.mu.Lock()
	c.epoch = 2
	c.arena = newArena("t1", 2)
	c.mu.Unlock()
	s.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Empty(t, data.savedWrites(), "write is re-checked against the active epoch")
}

func TestRefreshDispatcherCoalesces(t *testing.T) {
	var (
		mu     sync.Mutex
		events []RefreshEvent
	)
	done := make(chan struct{}, 8)
	d := NewRefreshDispatcher(context.Background(), func(ctx context.Context, ev RefreshEvent) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, 30*time.Millisecond, nil)
	defer d.Stop()

	d.Enqueue(RefreshEvent{Key: "orders", TenantID: "t1", RequestID: "r1"})
	d.Enqueue(RefreshEvent{Key: "orders", TenantID: "t1", FromSocket: true, RequestID: "r2"})
	d.Enqueue(RefreshEvent{Key: "products", TenantID: "t1", FromSocket: true, RequestID: "r3"})
	d.Enqueue(RefreshEvent{Key: ""})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d", i)
		}
	}
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, RefreshEvent{Key: "orders", TenantID: "t1", FromSocket: true}, events[0])
	assert.Equal(t, RefreshEvent{Key: "products", TenantID: "t1", FromSocket: true, RequestID: "r3"}, events[1])
}

func TestRefreshDispatcherBatchesDoNotOverlap(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		keys    []string
	)
	started := make(chan string, 4)
	release := make(chan struct{})
	d := NewRefreshDispatcher(context.Background(), func(ctx context.Context, ev RefreshEvent) error {
		mu.Lock()
		active++
		maxSeen = max(maxSeen, active)
		keys = append(keys, ev.Key)
		mu.Unlock()
		started <- ev.Key
		if ev.Key == "orders" {
			<-release
		}
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}, 10*time.Millisecond, nil)
	defer d.Stop()

	d.Enqueue(RefreshEvent{Key: "orders", TenantID: "t1"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first batch never ran")
	}

	// Arrives while the slow handler is still fetching.
	d.Enqueue(RefreshEvent{Key: "products", TenantID: "t1"})
	select {
	case key := <-started:
		t.Fatalf("second batch %q started while the first was running", key)
	case <-time.After(60 * time.Millisecond):
	}

	close(release)
	select {
	case key := <-started:
		assert.Equal(t, "products", key)
	case <-time.After(2 * time.Second):
		t.Fatal("event queued during a batch was never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, []string{"orders", "products"}, keys)
}

func TestRefreshDispatcherStopDropsEvents(t *testing.T) {
	called := make(chan struct{}, 1)
	d := NewRefreshDispatcher(context.Background(), func(ctx context.Context, ev RefreshEvent) error {
		called <- struct{}{}
		return nil
	}, 10*time.Millisecond, nil)

	d.Enqueue(RefreshEvent{Key: "orders"})
	d.Stop()
	d.Enqueue(RefreshEvent{Key: "orders"})

	select {
	case <-called:
		t.Fatalf("handler ran after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}
