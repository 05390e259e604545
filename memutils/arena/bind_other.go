//go:build !linux

package arena

import "github.com/hydragon-engine/memcore/memutils"

func bindToNode(data []byte, node int, strict bool) error {
	return memutils.ErrNumaUnsupported
}
