package agent

import (
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aesterisk/aesterisk/internal/packet"
)

func runningContainer(health string, sizeRootFs int64) types.ContainerJSON {
	state := &types.ContainerState{Status: "running"}
	if health != "" {
		state.Health = &types.Health{Status: health}
	}

	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State:      state,
			SizeRootFs: &sizeRootFs,
		},
	}
}

func sampleStats() *types.StatsJSON {
	return &types.StatsJSON{
		Stats: types.Stats{
			CPUStats: types.CPUStats{
				CPUUsage:    types.CPUUsage{TotalUsage: 300},
				SystemUsage: 3000,
				OnlineCPUs:  4,
			},
			PreCPUStats: types.CPUStats{
				CPUUsage:    types.CPUUsage{TotalUsage: 100},
				SystemUsage: 1000,
			},
			MemoryStats: types.MemoryStats{
				Usage: 3 * 1_073_741_824,
				Stats: map[string]uint64{"file": 1 * 1_073_741_824},
				Limit: 8 * 1_073_741_824,
			},
		},
	}
}

func TestBuildServerStatusHealthy(t *testing.T) {
	event, err := buildServerStatus(7, sampleStats(), runningContainer("healthy", 50*1_073_741_824))
	require.NoError(t, err)

	assert.Equal(t, uint32(7), event.Server)
	assert.Equal(t, packet.StatusHealthy, event.Status)

	// (300-100) / (3000-1000) * 4 * 100 = 40%
	require.NotNil(t, event.CPU)
	assert.InDelta(t, 40.0, event.CPU.Used, 0.001)
	assert.InDelta(t, 400.0, event.CPU.Total, 0.001)

	// (3GB usage - 1GB file cache) / GB = 2GB used of 8GB
	require.NotNil(t, event.Memory)
	assert.InDelta(t, 2.0, event.Memory.Used, 0.001)
	assert.InDelta(t, 8.0, event.Memory.Total, 0.001)

	require.NotNil(t, event.Storage)
	assert.InDelta(t, 50.0, event.Storage.Used, 0.001)
	assert.InDelta(t, 100.0, event.Storage.Total, 0.001)
}

func TestBuildServerStatusV1Cache(t *testing.T) {
	stat := sampleStats()
	stat.MemoryStats.Stats = map[string]uint64{"cache": 2 * 1_073_741_824}

	event, err := buildServerStatus(7, stat, runningContainer("healthy", 0))
	require.NoError(t, err)

	require.NotNil(t, event.Memory)
	assert.InDelta(t, 1.0, event.Memory.Used, 0.001)
}

func TestBuildServerStatusStoppedOmitsStats(t *testing.T) {
	size := int64(0)
	inspect := types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State:      &types.ContainerState{Status: "exited"},
			SizeRootFs: &size,
		},
	}

	event, err := buildServerStatus(7, sampleStats(), inspect)
	require.NoError(t, err)

	assert.Equal(t, packet.StatusStopped, event.Status)
	assert.Nil(t, event.CPU)
	assert.Nil(t, event.Memory)
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		name   string
		status string
		health string
		want   packet.ServerStatusType
	}{
		{"running healthy", "running", "healthy", packet.StatusHealthy},
		{"running no healthcheck", "running", "", packet.StatusHealthy},
		{"running starting", "running", "starting", packet.StatusStarting},
		{"running unhealthy", "running", "unhealthy", packet.StatusUnhealthy},
		{"created", "created", "", packet.StatusHealthy},
		{"paused", "paused", "", packet.StatusStarting},
		{"restarting", "restarting", "", packet.StatusRestarting},
		{"removing", "removing", "", packet.StatusStopping},
		{"exited", "exited", "", packet.StatusStopped},
		{"dead", "dead", "", packet.StatusStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &types.ContainerState{Status: tt.status}
			if tt.health != "" {
				state.Health = &types.Health{Status: tt.health}
			}
			inspect := types.ContainerJSON{
				ContainerJSONBase: &types.ContainerJSONBase{State: state},
			}

			assert.Equal(t, tt.want, mapStatus(inspect))
		})
	}
}

func TestMapStatusNoState(t *testing.T) {
	assert.Equal(t, packet.StatusStopped, mapStatus(types.ContainerJSON{}))
}
