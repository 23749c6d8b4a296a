// Package push carries data-refresh hints over a websocket. Clients join
// one room per tenant; the backend broadcasts a message to the room after
// every committed write. Delivery is best effort.
package push

import "github.com/agentworkforce/tenantsync/internal/syncengine"

const (
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeJoined      = "joined"
	TypeDataRefresh = "data_refresh"
	TypeError       = "error"
)

type Message struct {
	Type      string `json:"type"`
	TenantID  string `json:"tenantId,omitempty"`
	Key       string `json:"key,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// RefreshEvent converts a data_refresh message into the engine's event.
func (m Message) RefreshEvent() syncengine.RefreshEvent {
	return syncengine.RefreshEvent{
		Key:        m.Key,
		TenantID:   m.TenantID,
		FromSocket: true,
		RequestID:  m.RequestID,
	}
}
