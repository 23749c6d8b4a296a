package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tenantsync/internal/syncengine"
)

func startHub(t *testing.T, canJoin func(string) bool) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, canJoin)
	}))
	t.Cleanup(server.Close)
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func runClient(t *testing.T, opts ClientOptions) *Client {
	t.Helper()
	client := NewClient(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return client
}

func TestClientReceivesRoomBroadcasts(t *testing.T) {
	hub, url := startHub(t, nil)
	events := make(chan syncengine.RefreshEvent, 16)
	client := runClient(t, ClientOptions{
		URL:       url,
		JoinDelay: -1,
		OnEvent:   func(ev syncengine.RefreshEvent) { events <- ev },
	})
	client.JoinTenantRoom("t1")

	var got syncengine.RefreshEvent
	require.Eventually(t, func() bool {
		hub.Broadcast(Message{TenantID: "t1", Key: "products", RequestID: "r1"})
		select {
		case got = <-events:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, syncengine.RefreshEvent{Key: "products", TenantID: "t1", FromSocket: true, RequestID: "r1"}, got)
	assert.Equal(t, 1, hub.Clients())
}

func TestClientOnlyReceivesJoinedRooms(t *testing.T) {
	hub, url := startHub(t, nil)
	events := make(chan syncengine.RefreshEvent, 64)
	client := runClient(t, ClientOptions{
		URL:       url,
		JoinDelay: -1,
		OnEvent:   func(ev syncengine.RefreshEvent) { events <- ev },
	})
	client.JoinTenantRoom("t1")
	require.Eventually(t, func() bool {
		hub.Broadcast(Message{TenantID: "t1", Key: "ping"})
		select {
		case <-events:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	client.LeaveTenantRoom("t1")
	client.JoinTenantRoom("t2")
	require.Eventually(t, func() bool {
		hub.Broadcast(Message{TenantID: "t2", Key: "ping2"})
		select {
		case ev := <-events:
			return ev.TenantID == "t2"
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	for len(events) > 0 {
		<-events
	}
	hub.Broadcast(Message{TenantID: "t1", Key: "orders"})
	hub.Broadcast(Message{TenantID: "t2", Key: "theme_config"})
	select {
	case ev := <-events:
		assert.Equal(t, "t2", ev.TenantID)
		assert.Equal(t, "theme_config", ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for t2 event")
	}
	assert.Equal(t, []string{"t2"}, client.Rooms())
}

func TestJoinDelayDefersJoins(t *testing.T) {
	hub, url := startHub(t, nil)
	events := make(chan syncengine.RefreshEvent, 16)
	client := runClient(t, ClientOptions{
		URL:       url,
		JoinDelay: 500 * time.Millisecond,
		OnEvent:   func(ev syncengine.RefreshEvent) { events <- ev },
	})
	client.JoinTenantRoom("t1")

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	hub.Broadcast(Message{TenantID: "t1", Key: "early"})
	select {
	case ev := <-events:
		t.Fatalf("received %s before the join delay", ev.Key)
	case <-time.After(100 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		hub.Broadcast(Message{TenantID: "t1", Key: "late"})
		select {
		case ev := <-events:
			return ev.Key == "late"
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHubRejectsForbiddenRooms(t *testing.T) {
	hub, url := startHub(t, func(tenantID string) bool { return tenantID == "t1" })
	events := make(chan syncengine.RefreshEvent, 16)
	client := runClient(t, ClientOptions{
		URL:       url,
		JoinDelay: -1,
		OnEvent:   func(ev syncengine.RefreshEvent) { events <- ev },
	})
	client.JoinTenantRoom("t9")

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	hub.Broadcast(Message{TenantID: "t9", Key: "products"})
	select {
	case ev := <-events:
		t.Fatalf("forbidden room delivered %s", ev.Key)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestClientReconnects(t *testing.T) {
	hub := NewHub(nil, nil)
	var mu sync.Mutex
	first := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reject := first
		first = false
		mu.Unlock()
		if reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		hub.Serve(w, r, nil)
	}))
	defer server.Close()

	events := make(chan syncengine.RefreshEvent, 16)
	client := runClient(t, ClientOptions{
		URL:        "ws" + strings.TrimPrefix(server.URL, "http"),
		JoinDelay:  -1,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		OnEvent:    func(ev syncengine.RefreshEvent) { events <- ev },
	})
	client.JoinTenantRoom("t1")

	require.Eventually(t, func() bool {
		hub.Broadcast(Message{TenantID: "t1", Key: "products"})
		select {
		case <-events:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBackoffIsCapped(t *testing.T) {
	client := NewClient(ClientOptions{MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	for attempt := 1; attempt < 20; attempt++ {
		delay := client.backoff(attempt)
		assert.LessOrEqual(t, delay, time.Second)
		assert.Greater(t, delay, time.Duration(0))
	}
	assert.GreaterOrEqual(t, client.backoff(1), 80*time.Millisecond)
}
