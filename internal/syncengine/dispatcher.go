package syncengine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RefreshEvent is a hint that (Key, TenantID) changed on the backend.
type RefreshEvent struct {
	Key        string `json:"key"`
	TenantID   string `json:"tenantId,omitempty"`
	FromSocket bool   `json:"fromSocket"`
	RequestID  string `json:"requestId,omitempty"`
}

type RefreshHandler func(ctx context.Context, ev RefreshEvent) error

// RefreshDispatcher coalesces refresh events per (key, tenant) and delivers
// them at most once per window. Batches never overlap: events arriving while
// a batch runs wait for it to finish plus one window.
type RefreshDispatcher struct {
	ctx     context.Context
	handler RefreshHandler
	window  time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]RefreshEvent
	order   []string
	timer   *time.Timer
	running bool
	stopped bool
}

func NewRefreshDispatcher(ctx context.Context, handler RefreshHandler, window time.Duration, logger *zap.Logger) *RefreshDispatcher {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshDispatcher{
		ctx:     ctx,
		handler: handler,
		window:  window,
		logger:  logger,
		pending: map[string]RefreshEvent{},
	}
}

// Enqueue merges ev into the pending batch.
func (d *RefreshDispatcher) Enqueue(ev RefreshEvent) {
	if ev.Key == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	k := ev.TenantID + "\x00" + ev.Key
	if prev, ok := d.pending[k]; ok {
		ev.FromSocket = ev.FromSocket || prev.FromSocket
		if prev.RequestID != ev.RequestID {
			// Two distinct writes merged; the id can no longer be attributed.
			ev.RequestID = ""
		}
	} else {
		d.order = append(d.order, k)
	}
	d.pending[k] = ev
	if d.timer == nil && !d.running {
		d.timer = time.AfterFunc(d.window, d.flush)
	}
}

func (d *RefreshDispatcher) flush() {
	d.mu.Lock()
	batch := make([]RefreshEvent, 0, len(d.order))
	for _, k := range d.order {
		batch = append(batch, d.pending[k])
	}
	d.pending = map[string]RefreshEvent{}
	d.order = nil
	d.timer = nil
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	for _, ev := range batch {
		if err := d.handler(d.ctx, ev); err != nil {
			d.logger.Debug("refresh not applied",
				zap.String("key", ev.Key),
				zap.String("tenant_id", ev.TenantID),
				zap.Error(err),
			)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	if !d.stopped && len(d.order) > 0 && d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.flush)
	}
}

// Stop drops pending events. Later events are ignored.
func (d *RefreshDispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = map[string]RefreshEvent{}
	d.order = nil
}
