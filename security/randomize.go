package security

import (
	"crypto/rand"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils"
)

const (
	minSmallPoolSize  = 32
	maxSmallPoolSize  = 96
	minMediumPoolSize = 128
	maxMediumPoolSize = 384
	largePoolFactor   = 4
)

// PoolSizes are the block sizes of the three pool tiers
type PoolSizes struct {
	Small  int
	Medium int
	Large  int
}

// Array returns the sizes from small to large
func (s PoolSizes) Array() [3]int {
	return [3]int{s.Small, s.Medium, s.Large}
}

// RandomizePoolSizes draws pool block sizes so that heap layout differs between runs. Small blocks are
// between 32 and 96 bytes, medium blocks between 128 and 384 bytes, large blocks are four times the medium
// size, and every size is a multiple of memutils.DefaultAlignment.
func RandomizePoolSizes() (PoolSizes, error) {
	small, err := drawBetween(minSmallPoolSize, maxSmallPoolSize)
	if err != nil {
		return PoolSizes{}, err
	}

	medium, err := drawBetween(minMediumPoolSize, maxMediumPoolSize)
	if err != nil {
		return PoolSizes{}, err
	}

	return PoolSizes{
		Small:  small,
		Medium: medium,
		Large:  medium * largePoolFactor,
	}, nil
}

// drawBetween returns a multiple of memutils.DefaultAlignment in [low, high]. Both bounds must be multiples
// of memutils.DefaultAlignment.
func drawBetween(low, high int) (int, error) {
	steps := (high-low)/int(memutils.DefaultAlignment) + 1

	n, err := rand.Int(rand.Reader, big.NewInt(int64(steps)))
	if err != nil {
		return 0, errors.Wrap(err, "failed to draw a random pool size")
	}

	return low + int(n.Int64())*int(memutils.DefaultAlignment), nil
}
