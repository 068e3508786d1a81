//go:build unix

package tailer

import (
	"os"
	"syscall"
)

func sysIdentity(fi os.FileInfo) (dev, ino uint64) {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(stat.Dev), uint64(stat.Ino)
	}
	return 0, 0
}
