package agent

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/aesterisk/aesterisk/internal/packet"
)

const gb = 1_073_741_824.0

// pseudoFilesystems are skipped when aggregating disk space; they either
// shadow a real device or are memory-backed.
var pseudoFilesystems = map[string]struct{}{
	"tmpfs":    {},
	"devtmpfs": {},
	"devfs":    {},
	"overlay":  {},
	"squashfs": {},
	"proc":     {},
	"sysfs":    {},
	"cgroup":   {},
	"cgroup2":  {},
}

// runNodeStatus samples OS-level CPU, memory and disk once a second and
// emits a NodeStatus event while any web client is listening for them.
func (a *Agent) runNodeStatus(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Warn().Msg("Stopping node status service")
			return
		case <-ticker.C:
		}

		if !a.listening(packet.EventNodeStatus) {
			continue
		}

		stats, err := collectNodeStats()
		if err != nil {
			a.log.Error().Err(err).Msg("Could not collect node stats")
			continue
		}

		err = a.sendPacket(ctx, packet.DSEventPacket{
			Data: packet.NewNodeStatus(packet.NodeStatusEvent{
				Online: true,
				Stats:  stats,
			}),
		})
		if err != nil {
			a.log.Error().Err(err).Msg("Could not send packet")
		}
	}
}

// collectNodeStats reads memory, CPU and disk usage from the OS.
func collectNodeStats() (*packet.NodeStats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	// Interval 0 measures against the previous call, which matches the
	// 1 Hz sampling loop.
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return nil, err
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	used, total, err := aggregateDisks()
	if err != nil {
		return nil, err
	}

	return &packet.NodeStats{
		UsedMemory:   float64(vm.Used) / gb,
		TotalMemory:  float64(vm.Total) / gb,
		CPU:          cpuPercent,
		UsedStorage:  float64(used) / gb,
		TotalStorage: float64(total) / gb,
	}, nil
}

// aggregateDisks sums usage over physical partitions, counting each device
// once and skipping pseudo filesystems. Duplicate-name detection is
// string-keyed on the device path.
func aggregateDisks() (uint64, uint64, error) {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return 0, 0, err
	}

	counted := make(map[string]struct{})
	var used, total uint64

	for _, partition := range partitions {
		if _, skip := pseudoFilesystems[partition.Fstype]; skip {
			continue
		}
		if _, seen := counted[partition.Device]; seen {
			continue
		}
		counted[partition.Device] = struct{}{}

		usage, err := disk.Usage(partition.Mountpoint)
		if err != nil {
			continue
		}

		used += usage.Used
		total += usage.Total
	}

	return used, total, nil
}
