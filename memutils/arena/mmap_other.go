//go:build !unix

package arena

import "unsafe"

// Without mmap, arenas are carved out of an oversized Go byte slice. The slice is kept reachable by the Arena so
// the collector never frees it, and Go heap objects do not move, so pointers into it stay valid.
func commit(size int) ([]byte, error) {
	raw := make([]byte, size+pageSize)
	start := 0
	if misalignment := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % uintptr(pageSize)); misalignment != 0 {
		start = pageSize - misalignment
	}
	return raw[start : start+size : start+size], nil
}

func decommit(data []byte) error {
	return nil
}
