// Package merge combines per-source event streams into one ordered stream.
package merge

import (
	"cmp"
	"slices"

	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// Merge returns a new slice holding every event from streams ordered by
// exchange timestamp and then event kind. Inputs are not modified, and the
// result does not depend on the order the streams are passed in.
func Merge(streams ...[]schema.Event) []schema.Event {
	nonEmpty := make([][]schema.Event, 0, len(streams))
	total := 0
	for _, s := range streams {
		if len(s) == 0 {
			continue
		}
		nonEmpty = append(nonEmpty, s)
		total += len(s)
	}

	// Concatenation order feeds the stable sort, so fix it by content first.
	slices.SortStableFunc(nonEmpty, compareStreams)

	out := make([]schema.Event, 0, total)
	for _, s := range nonEmpty {
		out = append(out, s...)
	}
	slices.SortStableFunc(out, compareKey)
	return out
}

// IsSorted reports whether events are in merged order.
func IsSorted(events []schema.Event) bool {
	return slices.IsSortedFunc(events, compareKey)
}

func compareKey(a, b schema.Event) int {
	if c := cmp.Compare(a.ExchTS, b.ExchTS); c != 0 {
		return c
	}
	return cmp.Compare(a.Kind, b.Kind)
}

func compareEvents(a, b schema.Event) int {
	if c := compareKey(a, b); c != 0 {
		return c
	}
	if c := cmp.Compare(a.LocalTS, b.LocalTS); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Side, b.Side); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Price, b.Price); c != 0 {
		return c
	}
	return cmp.Compare(a.Qty, b.Qty)
}

func compareStreams(a, b []schema.Event) int {
	return slices.CompareFunc(a, b, compareEvents)
}
