//go:build unix

package archive

import (
	"os"

	"golang.org/x/sys/unix"
)

// readFile maps path read-only. The returned release func unmaps it; the
// bytes must not be used afterwards.
func readFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := st.Size()
	if size == 0 || int64(int(size)) != size {
		b, err := os.ReadFile(path)
		return b, func() {}, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		b, err := os.ReadFile(path)
		return b, func() {}, err
	}
	return data, func() { _ = unix.Munmap(data) }, nil
}
