//go:build linux

package numa

import "golang.org/x/sys/unix"

// maxAffinityCPUs is the capacity of unix.CPUSet
const maxAffinityCPUs = 1024

// firstAffinityCPU returns the lowest CPU the process may run on. Go does not pin goroutines to CPUs, so this
// is the closest stable notion of the caller's local CPU.
func firstAffinityCPU() (int, bool) {
	var set unix.CPUSet
	err := unix.SchedGetaffinity(0, &set)
	if err != nil {
		return 0, false
	}

	for cpu := 0; cpu < maxAffinityCPUs; cpu++ {
		if set.IsSet(cpu) {
			return cpu, true
		}
	}

	return 0, false
}
