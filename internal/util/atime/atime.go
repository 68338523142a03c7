// Package atime reads a file's last access time, which the cache
// sweepers use as their LRU signal.
package atime

import (
	"os"
	"syscall"
	"time"
)

// Get returns the access time recorded in the file's metadata, falling
// back to the modification time when the platform does not expose it.
func Get(info os.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return info.ModTime()
}
