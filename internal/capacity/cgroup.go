package capacity

import (
	"os"
	"strconv"
	"strings"
)

// memoryLimitBytes returns the container memory limit in bytes, preferring
// cgroup v2 and falling back to v1. Returns 0 when no limit is detectable
// (bare metal, or a host without cgroup memory accounting).
func memoryLimitBytes() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
				return n
			}
		}
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return n
		}
	}

	return 0
}

// bytesPerChannelClient is the estimated steady-state memory footprint of
// one connected channel-client: its pipe, its ack window, and a pooled
// medium-class receive buffer.
const bytesPerChannelClient = 24 * 1024

const runtimeOverheadBytes = 128 * 1024 * 1024

// DefaultMaxChannelClients derives a MaxChannelClients ceiling from the
// detected container memory limit, reserving headroom for the Go runtime
// itself. Falls back to a conservative fixed default when no cgroup memory
// limit can be read.
func DefaultMaxChannelClients() int {
	limit := memoryLimitBytes()
	if limit == 0 {
		return 10000
	}

	available := limit - runtimeOverheadBytes
	if available < 0 {
		available = limit / 2
	}

	maxClients := int(available / bytesPerChannelClient)
	if maxClients < 100 {
		maxClients = 100
	}
	if maxClients > 200000 {
		maxClients = 200000
	}
	return maxClients
}
