package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/aesterisk/aesterisk/internal/packet"
)

// serverStorageBudget is the storage total reported per server, in GB.
const serverStorageBudget = 100.0

// startServerStats starts the stats pump for one server unless it is
// already running.
func (a *Agent) startServerStats(ctx context.Context, id uint32) {
	a.statsMu.Lock()
	if _, running := a.statsPumps[id]; running {
		a.statsMu.Unlock()
		return
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	a.statsPumps[id] = cancel
	a.statsMu.Unlock()

	go a.runServerStats(pumpCtx, id)
}

// stopStatsPumps cancels every running stats pump.
func (a *Agent) stopStatsPumps() {
	a.statsMu.Lock()
	for id, cancel := range a.statsPumps {
		cancel()
		delete(a.statsPumps, id)
	}
	a.statsMu.Unlock()
}

// runServerStats keeps a streaming stats subscription open on the server's
// container and emits a ServerStatus event per sample. The stream is
// reopened after transient failures.
func (a *Agent) runServerStats(ctx context.Context, id uint32) {
	defer a.log.Debug().Uint32("server", id).Msg("Exiting server status service")

	for {
		if err := a.streamServerStats(ctx, id); err != nil && ctx.Err() == nil {
			a.log.Error().Uint32("server", id).Err(err).Msg("Error in server status")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (a *Agent) streamServerStats(ctx context.Context, id uint32) error {
	body, err := a.docker.ServerStatsStream(ctx, id)
	if err != nil {
		return err
	}
	defer body.Close()

	decoder := json.NewDecoder(body)
	for {
		var stat types.StatsJSON
		if err := decoder.Decode(&stat); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if !a.listening(packet.EventServerStatus) {
			continue
		}

		// The first sample has no previous-cycle CPU numbers to diff
		// against.
		if stat.PreCPUStats.SystemUsage == 0 {
			a.log.Debug().Uint32("server", id).Msg("Skipping stats sample: precpu not populated yet")
			continue
		}

		inspect, err := a.docker.InspectServer(ctx, id)
		if err != nil {
			return err
		}

		status, err := buildServerStatus(id, &stat, inspect)
		if err != nil {
			a.log.Error().Uint32("server", id).Err(err).Msg("Could not build server status")
			continue
		}

		if err := a.sendPacket(ctx, packet.DSEventPacket{Data: packet.NewServerStatus(*status)}); err != nil {
			a.log.Error().Uint32("server", id).Err(err).Msg("Could not send packet")
		}
	}
}

// buildServerStatus maps one stats sample plus the container's inspected
// state to the wire event: container state and health collapse to the
// status enum, CPU% is the usage delta over the system delta scaled by
// online CPUs, and memory is usage minus page cache over the limit.
func buildServerStatus(id uint32, stat *types.StatsJSON, inspect types.ContainerJSON) (*packet.ServerStatusEvent, error) {
	status := mapStatus(inspect)

	event := &packet.ServerStatusEvent{
		Server: id,
		Status: status,
	}

	if statsRelevant(status) {
		onlineCPUs := float64(stat.CPUStats.OnlineCPUs)
		cpuDelta := float64(stat.CPUStats.CPUUsage.TotalUsage) - float64(stat.PreCPUStats.CPUUsage.TotalUsage)
		systemDelta := float64(stat.CPUStats.SystemUsage) - float64(stat.PreCPUStats.SystemUsage)
		if systemDelta > 0 {
			event.CPU = &packet.Stats{
				Used:  cpuDelta / systemDelta * onlineCPUs * 100,
				Total: onlineCPUs * 100,
			}
		}

		cache, okV1 := stat.MemoryStats.Stats["cache"]
		if !okV1 {
			// cgroups v2 accounts the page cache under "file".
			cache = stat.MemoryStats.Stats["file"]
		}
		event.Memory = &packet.Stats{
			Used:  (float64(stat.MemoryStats.Usage) - float64(cache)) / gb,
			Total: float64(stat.MemoryStats.Limit) / gb,
		}
	}

	if inspect.SizeRootFs != nil {
		event.Storage = &packet.Stats{
			Used:  float64(*inspect.SizeRootFs) / gb,
			Total: serverStorageBudget,
		}
	}

	return event, nil
}

// statsRelevant reports whether CPU and memory numbers make sense for the
// status.
func statsRelevant(status packet.ServerStatusType) bool {
	switch status {
	case packet.StatusHealthy, packet.StatusStarting, packet.StatusStopping:
		return true
	default:
		return false
	}
}

// mapStatus collapses container state plus health to the wire status enum.
func mapStatus(inspect types.ContainerJSON) packet.ServerStatusType {
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return packet.StatusStopped
	}

	switch inspect.State.Status {
	case "paused":
		return packet.StatusStarting
	case "restarting":
		return packet.StatusRestarting
	case "removing":
		return packet.StatusStopping
	case "created", "running":
		if inspect.State.Health == nil {
			return packet.StatusHealthy
		}
		switch inspect.State.Health.Status {
		case "starting":
			return packet.StatusStarting
		case "unhealthy":
			return packet.StatusUnhealthy
		default:
			return packet.StatusHealthy
		}
	default:
		return packet.StatusStopped
	}
}
