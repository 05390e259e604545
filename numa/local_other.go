//go:build !linux

package numa

func firstAffinityCPU() (int, bool) {
	return 0, false
}
