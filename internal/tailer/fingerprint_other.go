//go:build !unix

package tailer

import "os"

func sysIdentity(fi os.FileInfo) (dev, ino uint64) {
	return 0, 0
}
