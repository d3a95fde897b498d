// Package harmonic implements the repacking engine: it streams merger events
// into sequentially numbered harmonic runs of approximately equal byte size
// and consolidates the scalers of every run into a single table.
package harmonic

import "github.com/attpc/harmonizer/merger"

// EventAttrOverhead is the fixed byte cost charged per event for its
// attributes (event number, provenance tag, dataset ids and timestamps).
const EventAttrOverhead = 64

// EventSize returns the deterministic byte cost of an event: the logical
// payload size of its datasets plus the fixed attribute overhead. The
// logical size is used instead of any on-disk size so that the assignment
// of events to harmonic runs does not depend on storage configuration.
func EventSize(ev *merger.Event) int64 {
	size := int64(EventAttrOverhead)
	if ev.Get != nil {
		size += int64(len(ev.Get.Data))
	}
	if ev.Frib != nil {
		for _, ch := range ev.Frib.Channels {
			size += int64(len(ch.Data))
		}
	}
	return size
}
