package agentinfo

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	goprocess "github.com/shirou/gopsutil/v4/process"

	"xdrforward/internal/mapping"
)

// AgentType is written into agent.type of every document.
const AgentType = "xdrforward"

// Version is overridden at build time with -ldflags "-X xdrforward/internal/agentinfo.Version=...".
var Version = "dev"

type hostInfoFunc func(ctx context.Context) (*host.InfoStat, error)

// Describer resolves agent.* metadata for this forwarder instance.
type Describer struct {
	hostInfo hostInfoFunc
}

// NewDescriber builds a describer over gopsutil host info.
// Params: none.
// Returns: describer instance.
func NewDescriber() *Describer {
	return &Describer{hostInfo: host.InfoWithContext}
}

// Describe builds agent metadata.
// Params: ctx for host lookups; name agent name; hostname optional override of the detected host name.
// Returns: agent metadata; host lookup failures degrade to os.Hostname and an empty id.
func (d *Describer) Describe(ctx context.Context, name, hostname string) (mapping.Agent, error) {
	agent := mapping.Agent{
		Name:     strings.TrimSpace(name),
		Type:     AgentType,
		Version:  Version,
		Hostname: strings.TrimSpace(hostname),
	}

	info, err := d.hostInfo(ctx)
	if err != nil {
		if agent.Hostname == "" {
			agent.Hostname, _ = os.Hostname()
		}
		return agent, fmt.Errorf("read host info: %w", err)
	}

	agent.ID = strings.TrimSpace(info.HostID)
	if agent.Hostname == "" {
		agent.Hostname = info.Hostname
	}
	return agent, nil
}

// SelfStats is a snapshot of the forwarder process footprint, logged with cycle summaries.
type SelfStats struct {
	RSSBytes       uint64
	CPUPercent     float64
	HostMemUtilPct float64
}

// ReadSelfStats reads resource usage of the current process.
// Params: ctx for cancellation.
// Returns: process RSS, CPU percent since start, host memory utilization or read error.
func ReadSelfStats(ctx context.Context) (SelfStats, error) {
	proc, err := goprocess.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return SelfStats{}, fmt.Errorf("open self process: %w", err)
	}

	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return SelfStats{}, fmt.Errorf("read self memory: %w", err)
	}
	cpuPercent, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return SelfStats{}, fmt.Errorf("read self cpu: %w", err)
	}

	stats := SelfStats{RSSBytes: memInfo.RSS, CPUPercent: cpuPercent}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.HostMemUtilPct = vm.UsedPercent
	}
	return stats, nil
}
