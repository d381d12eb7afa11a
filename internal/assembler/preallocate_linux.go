//go:build linux

package assembler

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves disk blocks up front. fallocate allocates real
// extents; filesystems without support (NFS, FAT) get the sparse
// truncate fallback.
func preallocate(f *os.File, size int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err == nil {
		return nil
	}
	return f.Truncate(size)
}
