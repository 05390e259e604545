// Package diagnostics records allocation events and produces snapshot reports for external tooling.
package diagnostics

import (
	"fmt"
	"io"
	"time"
	"unsafe"

	"github.com/hydragon-engine/memcore/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

type EventKind uint32

const (
	EventAllocate EventKind = iota
	EventDeallocate
	// EventRelocate is emitted when compaction moves an allocation. NewAddress holds the destination.
	EventRelocate
	// EventEvict is emitted when a budgeted consumer evicts a block to make room
	EventEvict
	// EventCorruption is emitted when the canaries of a buffer were overwritten
	EventCorruption
	// EventAllocationFailed is emitted when every strategy refused a request
	EventAllocationFailed
)

var eventKindMapping = map[EventKind]string{
	EventAllocate:         "Allocate",
	EventDeallocate:       "Deallocate",
	EventRelocate:         "Relocate",
	EventEvict:            "Evict",
	EventCorruption:       "Corruption",
	EventAllocationFailed: "AllocationFailed",
}

func (k EventKind) String() string {
	return eventKindMapping[k]
}

type Event struct {
	Kind       EventKind
	Timestamp  time.Time
	Address    unsafe.Pointer
	NewAddress unsafe.Pointer
	Size       int
	Tag        string
	ThreadID   memutils.ThreadID
	Strategy   string
}

func (e *Event) writeJson(json *jwriter.ObjectState) {
	json.Name("Kind").String(e.Kind.String())
	json.Name("Timestamp").String(e.Timestamp.Format(time.RFC3339Nano))
	json.Name("Address").String(fmt.Sprintf("%p", e.Address))
	if e.NewAddress != nil {
		json.Name("NewAddress").String(fmt.Sprintf("%p", e.NewAddress))
	}
	json.Name("Size").Int(e.Size)
	if e.Tag != "" {
		json.Name("Tag").String(e.Tag)
	}
	json.Name("ThreadID").Int(int(e.ThreadID))
	if e.Strategy != "" {
		json.Name("Strategy").String(e.Strategy)
	}
}

// WriteEventsJSON writes events to w as a JSON array
func WriteEventsJSON(w io.Writer, events []Event) error {
	writer := jwriter.NewStreamingWriter(w, 4096)

	arr := writer.Array()
	for i := range events {
		obj := arr.Object()
		events[i].writeJson(&obj)
		obj.End()
	}
	arr.End()

	return writer.Flush()
}
