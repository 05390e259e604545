package utils

import (
	"math/bits"
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping names the individual bits of a flag type so that combinations can be printed
type FlagStringMapping[T constraints.Integer] struct {
	names map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{names: make(map[T]string)}
}

func (m FlagStringMapping[T]) Register(flag T, name string) {
	m.names[flag] = name
}

// FlagsToString renders every set bit by name, joined with '|'. Unregistered bits are omitted.
func (m FlagStringMapping[T]) FlagsToString(flags T) string {
	if flags == 0 {
		return "None"
	}

	var sb strings.Builder
	remaining := uint64(flags)
	for remaining != 0 {
		bit := T(1) << bits.TrailingZeros64(remaining)
		remaining &^= uint64(bit)

		name, ok := m.names[bit]
		if !ok {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteRune('|')
		}
		sb.WriteString(name)
	}

	return sb.String()
}
