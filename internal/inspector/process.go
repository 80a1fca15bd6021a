package inspector

import (
	"context"
	"encoding/json"
	"fmt"
)

// ProcessInfo is a snapshot of the remote process.
type ProcessInfo struct {
	PID      int     `json:"pid"`
	Version  string  `json:"version"`
	Platform string  `json:"platform"`
	Arch     string  `json:"arch"`
	Cwd      string  `json:"cwd"`
	Uptime   float64 `json:"uptime"`

	Memory MemoryUsage `json:"memoryUsage"`
	CPU    CPUUsage    `json:"cpuUsage"`
}

// MemoryUsage is process.memoryUsage() in bytes.
type MemoryUsage struct {
	RSS       int64 `json:"rss"`
	HeapTotal int64 `json:"heapTotal"`
	HeapUsed  int64 `json:"heapUsed"`
	External  int64 `json:"external"`
}

// CPUUsage is process.cpuUsage() in microseconds.
type CPUUsage struct {
	User   int64 `json:"user"`
	System int64 `json:"system"`
}

const processInfoExpression = `(() => {
	const p = globalThis.process;
	if (!p) return null;
	return {
		pid: p.pid,
		version: p.version,
		platform: p.platform,
		arch: p.arch,
		cwd: p.cwd(),
		uptime: p.uptime(),
		memoryUsage: p.memoryUsage(),
		cpuUsage: p.cpuUsage(),
	};
})()`

// ProcessInfo evaluates a process snapshot in the remote runtime. Targets
// without a Node process object yield a zero ProcessInfo.
func (s *Session) ProcessInfo(ctx context.Context) (ProcessInfo, error) {
	v, err := s.Evaluate(ctx, processInfoExpression)
	if err != nil {
		return ProcessInfo{}, err
	}
	if v == nil {
		return ProcessInfo{}, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("encode process info: %w", err)
	}
	var info ProcessInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ProcessInfo{}, fmt.Errorf("decode process info: %w", err)
	}
	return info, nil
}
