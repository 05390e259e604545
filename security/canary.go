package security

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
	"unsafe"
)

// CanarySize is the size of the pattern written on each side of a guarded buffer
const CanarySize = 8

var (
	canaryOnce    sync.Once
	processCanary [CanarySize]byte
)

// Canary returns the process-wide canary pattern. It is drawn from crypto/rand on first use and never changes
// afterward.
func Canary() [CanarySize]byte {
	canaryOnce.Do(func() {
		_, err := rand.Read(processCanary[:])
		if err != nil {
			binary.LittleEndian.PutUint64(processCanary[:], 0xDEADBEEFFEEDFACE^uint64(time.Now().UnixNano()))
		}
	})

	return processCanary
}

func writeCanary(ptr unsafe.Pointer) {
	canary := Canary()
	copy(unsafe.Slice((*byte)(ptr), CanarySize), canary[:])
}

func checkCanary(ptr unsafe.Pointer) bool {
	canary := Canary()
	return *(*[CanarySize]byte)(ptr) == canary
}
