package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/agentworkforce/tenantsync/internal/entities"
	"github.com/agentworkforce/tenantsync/internal/metrics"
)

const (
	defaultDebounceWindow = 150 * time.Millisecond
	defaultWriteTimeout   = 15 * time.Second
)

type writeJob struct {
	key      string
	tenantID string
	epoch    Epoch
	value    json.RawMessage
	mode     entities.Mode
}

func (j writeJob) laneKey() string {
	return j.tenantID + "\x00" + j.key
}

type pendingWrite struct {
	job   writeJob
	timer *time.Timer
}

// lane runs the writes of one (key, tenant) strictly in order.
type lane struct {
	queue   []writeJob
	running bool
}

// PersistenceScheduler turns committed changes into backend writes, either
// right away or coalesced over a short debounce window.
type PersistenceScheduler struct {
	ctx          context.Context
	c            *core
	protection   *SaveProtectionWindow
	data         DataService
	cache        EntityCache
	registry     *entities.Registry
	logger       *zap.Logger
	metrics      *metrics.Metrics
	debounce     time.Duration
	writeTimeout time.Duration
	newRequestID func() string
	onError      func(error)

	mu       sync.Mutex
	pending  map[string]*pendingWrite
	lanes    map[string]*lane
	inflight sync.WaitGroup
	closed   bool
}

// Schedule queues value for (key, tenantID) under the given mode. It returns
// false when tenantID is not the active tenant.
func (s *PersistenceScheduler) Schedule(key, tenantID string, value json.RawMessage, mode entities.Mode) bool {
	active, epoch := s.c.active()
	if active != tenantID || tenantID == "" {
		return false
	}
	return s.schedule(writeJob{key: key, tenantID: tenantID, epoch: epoch, value: cloneRaw(value), mode: mode})
}

func (s *PersistenceScheduler) schedule(job writeJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if job.mode == entities.ModeImmediate {
		s.inflight.Add(1)
		s.enqueueLocked(job)
		return true
	}

	k := job.laneKey()
	if p, ok := s.pending[k]; ok && p.job.epoch == job.epoch {
		p.job = job
		return true
	}
	p := &pendingWrite{job: job}
	s.inflight.Add(1)
	p.timer = time.AfterFunc(s.debounce, func() { s.fire(k, p) })
	s.pending[k] = p
	return true
}

func (s *PersistenceScheduler) fire(k string, p *pendingWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[k] != p {
		// Cancelled or flushed while the timer was firing.
		s.inflight.Done()
		return
	}
	delete(s.pending, k)
	s.enqueueLocked(p.job)
}

func (s *PersistenceScheduler) enqueueLocked(job writeJob) {
	k := job.laneKey()
	l, ok := s.lanes[k]
	if !ok {
		l = &lane{}
		s.lanes[k] = l
	}
	l.queue = append(l.queue, job)
	if !l.running {
		l.running = true
		go s.drain(k, l)
	}
}

func (s *PersistenceScheduler) drain(k string, l *lane) {
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(s.lanes, k)
			s.mu.Unlock()
			return
		}
		job := l.queue[0]
		l.queue = l.queue[1:]
		s.mu.Unlock()

		s.write(job)
		s.inflight.Done()
	}
}

func (s *PersistenceScheduler) write(job writeJob) {
	mode := job.mode.String()
	requestID := s.newRequestID()

	s.c.mu.Lock()
	if !s.c.isCurrentLocked(job.epoch) {
		s.c.mu.Unlock()
		s.logger.Debug("dropping write for inactive tenant",
			zap.String("key", job.key),
			zap.String("tenant_id", job.tenantID),
		)
		s.metrics.ObserveSkip(job.key, string(ReasonStaleTenant))
		return
	}
	s.protection.rememberPendingLocked(job.key, job.tenantID, requestID)
	s.c.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()

	started := time.Now()
	opts := WriteOptions{RequestID: requestID}
	var err error
	if job.mode == entities.ModeImmediate {
		err = s.data.SaveImmediate(ctx, job.key, job.value, job.tenantID, opts)
	} else {
		err = s.data.Save(ctx, job.key, job.value, job.tenantID, opts)
	}
	elapsed := time.Since(started).Seconds()
	if err != nil {
		failure := &WriteFailure{Key: job.key, TenantID: job.tenantID, RequestID: requestID, Err: err}
		s.logger.Warn("entity write failed",
			zap.String("key", job.key),
			zap.String("tenant_id", job.tenantID),
			zap.String("request_id", requestID),
			zap.String("mode", mode),
			zap.Error(err),
		)
		s.metrics.ObserveWrite(job.key, mode, "error", elapsed)
		if s.onError != nil {
			s.onError(failure)
		}
		return
	}
	s.metrics.ObserveWrite(job.key, mode, "ok", elapsed)

	s.c.mu.Lock()
	current := s.c.isCurrentLocked(job.epoch)
	if current {
		s.protection.recordSaveLocked(job.key, job.tenantID, requestID, job.value)
	}
	s.c.mu.Unlock()

	if spec, ok := s.registry.Lookup(job.key); ok && spec.Cached && s.cache != nil {
		if err := s.cache.Write(ctx, job.tenantID, job.key, job.value); err != nil {
			s.logger.Debug("cache write failed",
				zap.String("key", job.key),
				zap.String("tenant_id", job.tenantID),
				zap.Error(err),
			)
		}
	}
}

// Flush fires every pending debounced write now.
func (s *PersistenceScheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.pending {
		if !p.timer.Stop() {
			continue
		}
		delete(s.pending, k)
		s.enqueueLocked(p.job)
	}
}

// Wait blocks until every scheduled write has completed or ctx is done.
func (s *PersistenceScheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel drops pending debounced writes. Writes already handed to the
// backend are not aborted; their epoch check decides their fate.
func (s *PersistenceScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *PersistenceScheduler) cancelLocked() {
	for k, p := range s.pending {
		delete(s.pending, k)
		if p.timer.Stop() {
			s.inflight.Done()
		}
	}
}

// Busy reports whether writes are pending or in flight.
func (s *PersistenceScheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0 || len(s.lanes) > 0
}

func (s *PersistenceScheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancelLocked()
}
