package packet

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventType names a telemetry event stream. The wire representation is the
// plain string.
type EventType string

const (
	// EventNodeStatus carries node-level online/offline state and OS stats.
	EventNodeStatus EventType = "NodeStatus"
	// EventServerStatus carries per-container state and resource stats.
	EventServerStatus EventType = "ServerStatus"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventNodeStatus || t == EventServerStatus
}

// NodeStats are OS-level resource numbers, all in GB except cpu (percent).
type NodeStats struct {
	UsedMemory   float64 `json:"used_memory"`
	TotalMemory  float64 `json:"total_memory"`
	CPU          float64 `json:"cpu"`
	UsedStorage  float64 `json:"used_storage"`
	TotalStorage float64 `json:"total_storage"`
}

// NodeStatusEvent reports whether a node is online. Stats is nil for
// synthetic offline events.
type NodeStatusEvent struct {
	Online bool       `json:"online"`
	Stats  *NodeStats `json:"stats"`
}

// ServerStatusType is the container state as shown to web clients.
type ServerStatusType string

const (
	// StatusHealthy means running (and healthy if a healthcheck exists).
	StatusHealthy ServerStatusType = "healthy"
	// StatusStarting means the container is starting.
	StatusStarting ServerStatusType = "starting"
	// StatusRestarting means the container is restarting.
	StatusRestarting ServerStatusType = "restarting"
	// StatusStopping means the container is stopping or being removed.
	StatusStopping ServerStatusType = "stopping"
	// StatusStopped means the container is not running.
	StatusStopped ServerStatusType = "stopped"
	// StatusUnhealthy means running but failing its healthcheck.
	StatusUnhealthy ServerStatusType = "unhealthy"
)

// Stats is a used/total pair. Units depend on the field carrying it.
type Stats struct {
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// ServerStatusEvent reports a single container's state and resource usage.
// The resource fields are nil when the container is not in a state that
// produces them.
type ServerStatusEvent struct {
	Server  uint32           `json:"server"`
	Status  ServerStatusType `json:"status"`
	Memory  *Stats           `json:"memory"`
	CPU     *Stats           `json:"cpu"`
	Storage *Stats           `json:"storage"`
}

// EventData is the externally tagged event union: exactly one of the fields
// is set, and the JSON representation is {"NodeStatus": {...}} or
// {"ServerStatus": {...}}, so the tag is recoverable without context.
type EventData struct {
	NodeStatus   *NodeStatusEvent   `json:"NodeStatus,omitempty"`
	ServerStatus *ServerStatusEvent `json:"ServerStatus,omitempty"`
}

// NewNodeStatus wraps a NodeStatusEvent as EventData.
func NewNodeStatus(ev NodeStatusEvent) EventData {
	return EventData{NodeStatus: &ev}
}

// NewServerStatus wraps a ServerStatusEvent as EventData.
func NewServerStatus(ev ServerStatusEvent) EventData {
	return EventData{ServerStatus: &ev}
}

// Type returns the tag of the union, or an error when the union does not
// hold exactly one variant.
func (e EventData) Type() (EventType, error) {
	switch {
	case e.NodeStatus != nil && e.ServerStatus == nil:
		return EventNodeStatus, nil
	case e.ServerStatus != nil && e.NodeStatus == nil:
		return EventServerStatus, nil
	default:
		return "", fmt.Errorf("event data must hold exactly one variant")
	}
}

// MarshalJSON rejects malformed unions before they reach the wire.
func (e EventData) MarshalJSON() ([]byte, error) {
	if _, err := e.Type(); err != nil {
		return nil, err
	}

	type raw EventData
	return json.Marshal(raw(e))
}

// ListenEvent names the daemons a web client wants a given event type from.
type ListenEvent struct {
	Event   EventType   `json:"event"`
	Daemons []uuid.UUID `json:"daemons"`
}
