package ingest

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/google/uuid"
)

// item is one queued operation with its estimated wire size.
type item struct {
	op   runtree.Operation
	size int
}

// coalesce collapses the items of each run into one, in arrival order. A
// create followed by updates becomes a single create carrying the final
// state; several updates become one update.
func coalesce(items []item) []item {
	index := make(map[uuid.UUID]int, len(items))
	out := make([]item, 0, len(items))

	for _, it := range items {
		runID := it.op.RunID()
		i, seen := index[runID]
		if !seen {
			index[runID] = len(out)
			op := it.op
			op.Payload = it.op.Payload.Clone()
			op.Attachments = maps.Clone(it.op.Attachments)
			out = append(out, item{op: op, size: it.size})
			continue
		}

		merged := &out[i]
		merged.op.Payload.Merge(it.op.Payload)
		if it.op.Kind == runtree.OpCreate {
			merged.op.Kind = runtree.OpCreate
		}
		merged.op.Final = merged.op.Final || it.op.Final
		if len(it.op.Attachments) > 0 {
			if merged.op.Attachments == nil {
				merged.op.Attachments = make(map[string]runtree.Attachment, len(it.op.Attachments))
			}
			maps.Copy(merged.op.Attachments, it.op.Attachments)
		}
		merged.size += it.size
	}
	return out
}

// order puts creates before updates, each sorted by dotted order. A parent's
// dotted order is a prefix of its children's, so parents sort first.
func order(items []item) {
	slices.SortStableFunc(items, func(a, b item) int {
		if c := cmp.Compare(a.op.Kind, b.op.Kind); c != 0 {
			return c
		}
		return strings.Compare(a.op.Payload.DottedOrder, b.op.Payload.DottedOrder)
	})
}

// chunk splits items into requests of at most maxCount operations and
// roughly maxBytes. An item larger than maxBytes travels alone.
func chunk(items []item, maxCount, maxBytes int) [][]item {
	var (
		out   [][]item
		cur   []item
		bytes int
	)
	for _, it := range items {
		if len(cur) > 0 && (len(cur) >= maxCount || bytes+it.size > maxBytes) {
			out = append(out, cur)
			cur, bytes = nil, 0
		}
		cur = append(cur, it)
		bytes += it.size
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func totalSize(items []item) int {
	n := 0
	for _, it := range items {
		n += it.size
	}
	return n
}

func operations(items []item) []runtree.Operation {
	ops := make([]runtree.Operation, len(items))
	for i, it := range items {
		ops[i] = it.op
	}
	return ops
}
