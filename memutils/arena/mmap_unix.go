//go:build unix

package arena

import "golang.org/x/sys/unix"

func commit(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func decommit(data []byte) error {
	return unix.Munmap(data)
}
