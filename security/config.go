// Package security hardens allocations against overruns and tampering: canaries around user buffers, a
// sanity check for strategy objects, randomized pool block sizes and validation of remotely supplied
// pointers.
package security

import "github.com/pkg/errors"

// ErrRemoteAccessDenied is returned by NetworkValidator when a remotely supplied pointer fails validation
var ErrRemoteAccessDenied = errors.New("remote memory access denied")

const defaultMaxRemoteAllocationSize = 64 * 1024 * 1024

// Config toggles the hardening features. DefaultConfig returns the documented defaults.
type Config struct {
	// EnableCanaries wraps every registered strategy in an Allocator
	EnableCanaries bool
	// RandomizePoolSizes draws the pool block sizes once at startup
	RandomizePoolSizes bool
	// ValidateStrategies runs ValidateStrategy on every strategy before it is registered
	ValidateStrategies bool
	// EnableNetworkSecurity turns on NetworkValidator checks
	EnableNetworkSecurity bool
	// AbortOnCorruption panics when a canary mismatch is found instead of logging it
	AbortOnCorruption bool
	// MaxRemoteAllocationSize is the largest remote access NetworkValidator accepts. 0 means 64Mb.
	MaxRemoteAllocationSize int
}

// DefaultConfig turns on canaries, pool size randomization and strategy validation
func DefaultConfig() Config {
	return Config{
		EnableCanaries:          true,
		RandomizePoolSizes:      true,
		ValidateStrategies:      true,
		MaxRemoteAllocationSize: defaultMaxRemoteAllocationSize,
	}
}
