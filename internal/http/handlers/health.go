package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/slbailey/Retrovue-sub002/internal/ffmpeg"
	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	registry  *relay.Registry
	clock     *stationclock.Clock
	detector  *ffmpeg.BinaryDetector
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, registry *relay.Registry, clock *stationclock.Clock) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		registry:  registry,
		clock:     clock,
	}
}

// WithFFmpegDetector reports the producer's ffmpeg binary in health output.
func (h *HealthHandler) WithFFmpegDetector(detector *ffmpeg.BinaryDetector) *HealthHandler {
	h.detector = detector
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// ClockInput is the input for the clock endpoint.
type ClockInput struct {
	TZ string `query:"tz" doc:"IANA zone name or fixed offset such as +05:30" example:"America/New_York"`
}

// ClockOutput is the output for the clock endpoint.
type ClockOutput struct {
	Body ClockResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/v1/health",
		Summary:     "Health check",
		Description: "Returns the health status of the daemon including channel counts and system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getClock",
		Method:      "GET",
		Path:        "/api/v1/clock",
		Summary:     "Station clock",
		Description: "Returns station now in UTC and, given tz, in that zone",
		Tags:        []string{"System"},
	}, h.GetClock)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	uptime := time.Since(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		StationTime:   h.clock.NowUTC(),
		Channels:      h.channelSummary(),
		CPU:           h.getCPUInfo(ctx),
		Memory:        h.getMemoryInfo(ctx),
		FFmpeg:        h.getFFmpegInfo(ctx),
	}

	if resp.FFmpeg.Required && (!resp.FFmpeg.Found || len(resp.FFmpeg.Missing) > 0) {
		resp.Status = "degraded"
	}

	return &HealthOutput{Body: resp}, nil
}

// GetClock returns station now, optionally converted to a zone.
func (h *HealthHandler) GetClock(ctx context.Context, input *ClockInput) (*ClockOutput, error) {
	now := h.clock.NowUTC()

	resp := ClockResponse{
		UTC:   now,
		Local: now,
	}
	if input.TZ != "" {
		loc, ok := h.clock.Location(input.TZ)
		resp.Timezone = input.TZ
		resp.Local = now.In(loc)
		resp.FellBackToUTC = !ok
	}

	return &ClockOutput{Body: resp}, nil
}

func (h *HealthHandler) channelSummary() ChannelSum {
	var sum ChannelSum
	for _, c := range h.registry.Channels() {
		st := c.Status()
		sum.Known++
		if c.FileBacked() {
			sum.Listed++
		}
		switch st.State {
		case schedule.StateValid.String():
			sum.Valid++
		case schedule.StateInvalid.String():
			sum.Invalid++
		}
		if st.Source != nil && st.Source.Alive {
			sum.ActiveSources++
		}
		sum.Clients += st.Clients
	}
	return sum
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo(ctx context.Context) CPUInfo {
	cores := runtime.NumCPU()

	info := CPUInfo{
		Cores: cores,
	}

	loadAvg, err := load.AvgWithContext(ctx)
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15

		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	info.ProcessMemory = h.getProcessMemoryInfo(ctx, info.TotalMemoryMB)

	return info
}

// getProcessMemoryInfo sums the daemon's RSS and that of its playout children.
func (h *HealthHandler) getProcessMemoryInfo(ctx context.Context, totalSystemMB float64) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return info
	}

	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.ChildrenWithContext(ctx)
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			childMem, err := child.MemoryInfoWithContext(ctx)
			if err == nil && childMem != nil {
				childMB := float64(childMem.RSS) / 1024 / 1024
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}

	if totalSystemMB > 0 {
		info.PercentageOfSystem = (info.TotalProcessTreeMB / totalSystemMB) * 100
	}

	return info
}

func (h *HealthHandler) getFFmpegInfo(ctx context.Context) FFmpegInfo {
	if h.detector == nil {
		return FFmpegInfo{}
	}

	info := FFmpegInfo{Required: true}
	bin, err := h.detector.Detect(ctx)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Found = true
	info.Path = bin.Path
	info.Version = bin.Version
	info.Missing = bin.Missing
	return info
}
