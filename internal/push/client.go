package push

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tenantsync/internal/metrics"
	"github.com/agentworkforce/tenantsync/internal/syncengine"
)

const (
	defaultJoinDelay  = 3 * time.Second
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	readLimit         = 1 << 20
)

type ClientOptions struct {
	URL   string
	Token string
	// JoinDelay defers room joins after Run starts so they never compete
	// with the first render.
	JoinDelay  time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	OnEvent    func(syncengine.RefreshEvent)
}

// Client is a reconnecting push subscriber. It implements
// syncengine.RoomSubscriber.
type Client struct {
	opts   ClientOptions
	logger *zap.Logger

	mu      sync.Mutex
	onEvent func(syncengine.RefreshEvent)
	rooms   map[string]struct{}
	joinAt  time.Time
	started bool
	notify  chan struct{}
}

var _ syncengine.RoomSubscriber = (*Client)(nil)

func NewClient(opts ClientOptions) *Client {
	if opts.JoinDelay < 0 {
		opts.JoinDelay = 0
	} else if opts.JoinDelay == 0 {
		opts.JoinDelay = defaultJoinDelay
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		logger:  opts.Logger,
		onEvent: opts.OnEvent,
		rooms:   map[string]struct{}{},
		notify:  make(chan struct{}, 1),
	}
}

// SetOnEvent replaces the refresh callback. The engine that consumes events
// usually also needs the client as its RoomSubscriber.
func (c *Client) SetOnEvent(fn func(syncengine.RefreshEvent)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

func (c *Client) JoinTenantRoom(tenantID string) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return
	}
	c.mu.Lock()
	c.rooms[tenantID] = struct{}{}
	n := len(c.rooms)
	c.mu.Unlock()
	c.opts.Metrics.SetPushRooms(n)
	c.poke()
}

func (c *Client) LeaveTenantRoom(tenantID string) {
	c.mu.Lock()
	delete(c.rooms, tenantID)
	n := len(c.rooms)
	c.mu.Unlock()
	c.opts.Metrics.SetPushRooms(n)
	c.poke()
}

// Rooms returns the rooms the client wants to be in, sorted.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (c *Client) poke() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Run connects and keeps the connection alive until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("push client already running")
	}
	c.started = true
	c.joinAt = time.Now().Add(c.opts.JoinDelay)
	c.mu.Unlock()

	attempt := 0
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := c.backoff(attempt)
		c.opts.Metrics.ObservePushReconnect()
		c.logger.Warn("push connection lost",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// backoff doubles from MinBackoff up to MaxBackoff with up to 20% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.opts.MinBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.MaxBackoff {
			delay = c.opts.MaxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/5 + 1))
	return delay - jitter
}

func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, err
	}
	conn.SetReadLimit(readLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")
	c.logger.Info("push connected", zap.String("url", c.opts.URL))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(connCtx, conn)
	}()

	joined := map[string]struct{}{}
	var joinTimer <-chan time.Time
	for {
		wait := c.syncRooms(connCtx, conn, joined)
		if wait > 0 && joinTimer == nil {
			joinTimer = time.After(wait)
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case <-c.notify:
		case <-joinTimer:
			joinTimer = nil
		}
	}
}

// syncRooms sends the join and leave messages that bring joined in line
// with the wanted rooms. While the join delay runs it sends nothing and
// returns the time left.
func (c *Client) syncRooms(ctx context.Context, conn *websocket.Conn, joined map[string]struct{}) time.Duration {
	c.mu.Lock()
	if wait := time.Until(c.joinAt); wait > 0 {
		c.mu.Unlock()
		return wait
	}
	wanted := make(map[string]struct{}, len(c.rooms))
	for room := range c.rooms {
		wanted[room] = struct{}{}
	}
	c.mu.Unlock()

	for room := range joined {
		if _, ok := wanted[room]; ok {
			continue
		}
		if err := wsjson.Write(ctx, conn, Message{Type: TypeLeave, TenantID: room}); err != nil {
			c.logger.Debug("push leave failed", zap.String("tenant_id", room), zap.Error(err))
			return 0
		}
		delete(joined, room)
	}
	for room := range wanted {
		if _, ok := joined[room]; ok {
			continue
		}
		if err := wsjson.Write(ctx, conn, Message{Type: TypeJoin, TenantID: room}); err != nil {
			c.logger.Debug("push join failed", zap.String("tenant_id", room), zap.Error(err))
			return 0
		}
		joined[room] = struct{}{}
	}
	return 0
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		c.opts.Metrics.ObservePushEvent(msg.Type)
		switch msg.Type {
		case TypeDataRefresh:
			c.mu.Lock()
			onEvent := c.onEvent
			c.mu.Unlock()
			if msg.Key == "" || onEvent == nil {
				continue
			}
			onEvent(msg.RefreshEvent())
		case TypeError:
			c.logger.Warn("push server error", zap.String("tenant_id", msg.TenantID), zap.String("message", msg.Message))
		}
	}
}
