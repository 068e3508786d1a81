package tailer

import (
	"os"
	"time"
)

// Fingerprint identifies the file behind a path at a point in time. Two
// fingerprints of the same underlying file compare equal under SameFile
// even after the file has grown.
type Fingerprint struct {
	Dev     uint64
	Ino     uint64
	Size    int64
	ModTime time.Time

	info os.FileInfo
}

func fingerprintOf(fi os.FileInfo) Fingerprint {
	dev, ino := sysIdentity(fi)
	return Fingerprint{
		Dev:     dev,
		Ino:     ino,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		info:    fi,
	}
}

// SameFile reports whether f and other describe the same underlying file.
// Device and inode are used when the platform provides them.
func (f Fingerprint) SameFile(other Fingerprint) bool {
	if f.Ino != 0 || other.Ino != 0 {
		return f.Dev == other.Dev && f.Ino == other.Ino
	}
	if f.info != nil && other.info != nil {
		return os.SameFile(f.info, other.info)
	}
	return f.Size <= other.Size && !other.ModTime.Before(f.ModTime)
}
