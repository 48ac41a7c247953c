// Package capacity is the admission guard a channel consults before
// attaching a new channel-client: static configured limits plus a
// CPU/goroutine emergency brake, adapted from the teacher's ResourceGuard
// but trimmed to the single Admit() decision a channel's AddClient needs.
package capacity

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// Config is the static configuration a Guard enforces.
type Config struct {
	MaxChannelClients int
	MaxGoroutines     int
	CPURejectPercent  float64
	AdmitRatePerSec   float64
}

// Guard gates channel-client admission, satisfying redchannel.AdmissionGuard.
type Guard struct {
	config Config

	limiter *rate.Limiter

	currentCPU atomic.Value // float64
	connected  atomic.Int64
}

// New constructs a Guard with the given static limits.
func New(cfg Config) *Guard {
	g := &Guard{
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.AdmitRatePerSec), int(cfg.AdmitRatePerSec*2)),
	}
	g.currentCPU.Store(0.0)
	return g
}

// Admit reports whether a new channel-client should be accepted right now:
// under the configured connection/goroutine ceilings, under the CPU reject
// threshold, and within the admission rate limit.
func (g *Guard) Admit() bool {
	if g.config.MaxChannelClients > 0 && g.connected.Load() >= int64(g.config.MaxChannelClients) {
		log.Warn().Int64("current", g.connected.Load()).Int("max", g.config.MaxChannelClients).
			Msg("capacity: admission declined, at max channel-clients")
		return false
	}

	if g.config.MaxGoroutines > 0 && runtime.NumGoroutine() > g.config.MaxGoroutines {
		log.Warn().Int("goroutines", runtime.NumGoroutine()).Msg("capacity: admission declined, goroutine limit exceeded")
		return false
	}

	if g.config.CPURejectPercent > 0 {
		if cpuPct, ok := g.currentCPU.Load().(float64); ok && cpuPct > g.config.CPURejectPercent {
			log.Warn().Float64("cpu_percent", cpuPct).Msg("capacity: admission declined, CPU overload")
			return false
		}
	}

	if g.limiter != nil && !g.limiter.Allow() {
		log.Warn().Msg("capacity: admission declined, admit rate exceeded")
		return false
	}

	g.connected.Add(1)
	return true
}

// Release decrements the connected count, called when a channel-client
// disconnects.
func (g *Guard) Release() {
	g.connected.Add(-1)
}

// UpdateCPU samples current process-wide CPU usage. Call periodically (the
// teacher's cadence is 15s) from a background goroutine.
func (g *Guard) UpdateCPU() {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		log.Warn().Err(err).Msg("capacity: failed to sample CPU usage")
		return
	}
	if len(percents) > 0 {
		g.currentCPU.Store(percents[0])
	}
}

// StartMonitoring runs UpdateCPU on a ticker until stop is closed.
func (g *Guard) StartMonitoring(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.UpdateCPU()
			case <-stop:
				return
			}
		}
	}()
}

// Connected reports the current admitted channel-client count.
func (g *Guard) Connected() int64 {
	return g.connected.Load()
}
