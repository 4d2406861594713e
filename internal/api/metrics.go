package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/solar"
)

// SystemStats is the /system/stats response.
type SystemStats struct {
	Timestamp     string                    `json:"timestamp"`
	Version       string                    `json:"version"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Runtime       RuntimeStats              `json:"runtime"`
	WebSocket     WSStats                   `json:"websocket"`
	Scheduler     automation.SchedulerStats `json:"scheduler"`
	Devices       DeviceStats               `json:"devices"`
	Solar         *SolarStats               `json:"solar,omitempty"`
}

// RuntimeStats contains Go runtime statistics.
type RuntimeStats struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSStats contains WebSocket hub statistics.
type WSStats struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceStats summarises the device cache.
type DeviceStats struct {
	Total      int            `json:"total"`
	Online     int            `json:"online"`
	ByProtocol map[string]int `json:"by_protocol"`
}

// SolarStats holds the next sunrise and sunset. An event the site does
// not see in the next two days is left empty.
type SolarStats struct {
	NextSunrise string `json:"next_sunrise,omitempty"`
	NextSunset  string `json:"next_sunset,omitempty"`
}

// handleSystemStats returns a JSON snapshot for admin UIs. Prometheus
// scrapes /metrics instead.
func (s *Server) handleSystemStats(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	now := time.Now()
	stats := SystemStats{
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
			NumGC:         mem.NumGC,
		},
		WebSocket: WSStats{ConnectedClients: s.hub.ClientCount()},
		Scheduler: s.runner.Stats(),
		Devices:   DeviceStats{ByProtocol: make(map[string]int)},
	}

	for _, d := range s.devices.List() {
		stats.Devices.Total++
		if d.Online {
			stats.Devices.Online++
		}
		if d.Protocol != "" {
			stats.Devices.ByProtocol[d.Protocol]++
		}
	}

	if s.sun != nil {
		stats.Solar = &SolarStats{
			NextSunrise: s.nextSolar(solar.Sunrise, now),
			NextSunset:  s.nextSolar(solar.Sunset, now),
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) nextSolar(e solar.Event, now time.Time) string {
	at, err := s.sun.Next(e, now)
	if err != nil {
		s.logger.Debug("no upcoming solar event", "event", e, "error", err)
		return ""
	}
	return at.Format(time.RFC3339)
}
