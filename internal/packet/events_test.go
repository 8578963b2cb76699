package packet

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventDataExternallyTagged(t *testing.T) {
	ev := NewNodeStatus(NodeStatusEvent{Online: false})

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"NodeStatus":{"online":false,"stats":null}}`, string(raw))

	var decoded EventData
	require.NoError(t, json.Unmarshal(raw, &decoded))

	typ, err := decoded.Type()
	require.NoError(t, err)
	assert.Equal(t, EventNodeStatus, typ)
	require.NotNil(t, decoded.NodeStatus)
	assert.False(t, decoded.NodeStatus.Online)
	assert.Nil(t, decoded.NodeStatus.Stats)
}

func TestEventDataRejectsEmptyUnion(t *testing.T) {
	_, err := json.Marshal(EventData{})
	assert.Error(t, err)

	_, err = EventData{}.Type()
	assert.Error(t, err)
}

func TestEventDataRejectsDoubleUnion(t *testing.T) {
	both := EventData{
		NodeStatus:   &NodeStatusEvent{Online: true},
		ServerStatus: &ServerStatusEvent{Server: 1, Status: StatusHealthy},
	}

	_, err := both.Type()
	assert.Error(t, err)

	_, err = json.Marshal(both)
	assert.Error(t, err)
}

func TestDSEventRoundTripWithStats(t *testing.T) {
	pk := DSEventPacket{
		Data: NewNodeStatus(NodeStatusEvent{
			Online: true,
			Stats: &NodeStats{
				UsedMemory:   4.0,
				TotalMemory:  16.0,
				CPU:          5.0,
				UsedStorage:  50.0,
				TotalStorage: 100.0,
			},
		}),
	}

	p, err := pk.ToPacket()
	require.NoError(t, err)

	decoded, err := ParseDSEvent(p)
	require.NoError(t, err)
	require.NotNil(t, decoded.Data.NodeStatus)
	require.NotNil(t, decoded.Data.NodeStatus.Stats)
	assert.Equal(t, 4.0, decoded.Data.NodeStatus.Stats.UsedMemory)
	assert.Equal(t, 16.0, decoded.Data.NodeStatus.Stats.TotalMemory)
	assert.Equal(t, 5.0, decoded.Data.NodeStatus.Stats.CPU)
}

func TestDSEventRejectsEmptyUnion(t *testing.T) {
	p := Packet{
		Version: V0_1_0,
		ID:      DSEvent,
		Data:    json.RawMessage(`{"data":{}}`),
	}

	_, err := ParseDSEvent(p)
	assert.Error(t, err)
}

func TestSWEventRoundTrip(t *testing.T) {
	d1 := uuid.MustParse("11111111-1111-4111-8111-111111111111")

	pk := SWEventPacket{
		Daemon: d1,
		Event: NewServerStatus(ServerStatusEvent{
			Server: 7,
			Status: StatusHealthy,
			CPU:    &Stats{Used: 12.5, Total: 400},
			Memory: &Stats{Used: 0.5, Total: 2.0},
		}),
	}

	p, err := pk.ToPacket()
	require.NoError(t, err)

	decoded, err := ParseSWEvent(p)
	require.NoError(t, err)
	assert.Equal(t, d1, decoded.Daemon)
	require.NotNil(t, decoded.Event.ServerStatus)
	assert.Equal(t, StatusHealthy, decoded.Event.ServerStatus.Status)
	assert.Equal(t, uint32(7), decoded.Event.ServerStatus.Server)
}

func TestServerStatusWireNames(t *testing.T) {
	raw, err := json.Marshal(NewServerStatus(ServerStatusEvent{Server: 3, Status: StatusUnhealthy}))
	require.NoError(t, err)

	assert.JSONEq(t, `{"ServerStatus":{"server":3,"status":"unhealthy","memory":null,"cpu":null,"storage":null}}`, string(raw))
}
