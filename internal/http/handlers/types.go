package handlers

import (
	"time"

	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
	"github.com/slbailey/Retrovue-sub002/internal/util"
)

// ItemResponse is a schedule item as exposed by the API.
type ItemResponse struct {
	AssetPath       string         `json:"asset_path"`
	StartTimeUTC    time.Time      `json:"start_time_utc"`
	EndTimeUTC      time.Time      `json:"end_time_utc"`
	DurationSeconds int            `json:"duration_seconds"`
	OffsetSeconds   float64        `json:"offset_seconds,omitempty" doc:"Seconds into the item at station now"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ProcessResponse is a CPU and memory sample of a source process.
type ProcessResponse struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSSMB   float64 `json:"memory_rss_mb"`
	MemoryPercent float32 `json:"memory_percent"`
	NumThreads    int32   `json:"num_threads"`
}

// SourceResponse describes a channel's live source.
type SourceResponse struct {
	ID           string           `json:"id"`
	Kind         string           `json:"kind" enum:"engine,producer,placeholder"`
	StartedAt    time.Time        `json:"started_at"`
	AssetPath    string           `json:"asset_path"`
	Fallback     bool             `json:"fallback"`
	Alive        bool             `json:"alive"`
	BufferChunks int              `json:"buffer_chunks"`
	BufferBytes  int64            `json:"buffer_bytes"`
	BytesRelayed uint64           `json:"bytes_relayed"`
	Process      *ProcessResponse `json:"process,omitempty"`
}

// ChannelResponse is a point-in-time view of a channel.
type ChannelResponse struct {
	ID          string          `json:"id"`
	State       string          `json:"state" enum:"NOT_LOADED,VALID,INVALID"`
	Reason      string          `json:"reason,omitempty"`
	Items       int             `json:"items"`
	LoadedAt    *time.Time      `json:"loaded_at,omitempty"`
	Listed      bool            `json:"listed" doc:"Whether the channel appears in the playlist"`
	Clients     int             `json:"clients"`
	Source      *SourceResponse `json:"source,omitempty"`
	CurrentItem *ItemResponse   `json:"current_item,omitempty"`
	NextItem    *ItemResponse   `json:"next_item,omitempty"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status        string     `json:"status" enum:"healthy,degraded"`
	Version       string     `json:"version"`
	Uptime        string     `json:"uptime"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	StationTime   time.Time  `json:"station_time"`
	Channels      ChannelSum `json:"channels"`
	CPU           CPUInfo    `json:"cpu"`
	Memory        MemoryInfo `json:"memory"`
	FFmpeg        FFmpegInfo `json:"ffmpeg"`
}

// ChannelSum counts channels by state.
type ChannelSum struct {
	Known         int `json:"known"`
	Listed        int `json:"listed"`
	Valid         int `json:"valid"`
	Invalid       int `json:"invalid"`
	ActiveSources int `json:"active_sources"`
	Clients       int `json:"clients"`
}

// CPUInfo holds host load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds host and process memory figures.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo holds the daemon's own memory and its children's.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	ChildProcessCount  int     `json:"child_process_count"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	PercentageOfSystem float64 `json:"percentage_of_system"`
}

// FFmpegInfo reports the detected ffmpeg binary.
type FFmpegInfo struct {
	Required bool     `json:"required" doc:"Whether the producer backend is in use"`
	Found    bool     `json:"found"`
	Path     string   `json:"path,omitempty"`
	Version  string   `json:"version,omitempty"`
	Missing  []string `json:"missing_encoders,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ClockResponse is the body of the clock endpoint.
type ClockResponse struct {
	UTC           time.Time `json:"utc"`
	Timezone      string    `json:"timezone,omitempty"`
	Local         time.Time `json:"local"`
	FellBackToUTC bool      `json:"fell_back_to_utc"`
}

func itemResponse(item schedule.Item, now time.Time) *ItemResponse {
	resp := &ItemResponse{
		AssetPath:       item.AssetPath,
		StartTimeUTC:    item.StartTimeUTC,
		EndTimeUTC:      item.End(),
		DurationSeconds: item.DurationSeconds,
		Metadata:        item.Metadata,
	}
	if item.Contains(now) {
		resp.OffsetSeconds = item.Offset(now).Seconds()
	}
	return resp
}

func sourceResponse(src *relay.SourceStatus, proc *util.ProcessStats) *SourceResponse {
	resp := &SourceResponse{
		ID:           src.ID,
		Kind:         src.Kind,
		StartedAt:    src.StartedAt,
		AssetPath:    src.AssetPath,
		Fallback:     src.Fallback,
		Alive:        src.Alive,
		BufferChunks: src.Buffer.TotalChunks,
		BufferBytes:  src.Buffer.TotalBufferSize,
		BytesRelayed: src.Buffer.TotalBytesWritten,
	}
	if proc != nil {
		resp.Process = &ProcessResponse{
			PID:           proc.PID,
			CPUPercent:    proc.CPUPercent,
			MemoryRSSMB:   proc.MemoryRSSMB,
			MemoryPercent: proc.MemoryPercent,
			NumThreads:    proc.NumThreads,
		}
	}
	return resp
}
