//go:build linux

package affinity

import "golang.org/x/sys/unix"

func currentThreadID() ThreadID {
	return ThreadID(unix.Gettid())
}
