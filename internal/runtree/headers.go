package runtree

import (
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/baggage"
)

// Propagation header names.
const (
	TraceHeader   = "langsmith-trace"
	BaggageHeader = "baggage"

	baggageMetadata = "langsmith-metadata"
	baggageTags     = "langsmith-tags"
	baggageProject  = "langsmith-project"
)

// ToHeaders serialises the run's position and auxiliary values so another
// process can continue the trace as a child. The trace id is the id of the
// dotted order's first segment.
func (r *Run) ToHeaders() http.Header {
	h := http.Header{}
	h.Set(TraceHeader, r.dottedOrder)

	r.mu.Lock()
	tags := slices.Clone(r.tags)
	md := maps.Clone(r.metadata)
	r.mu.Unlock()

	var members []baggage.Member
	if len(md) > 0 {
		if raw, err := json.Marshal(md); err == nil {
			if m, err := baggage.NewMemberRaw(baggageMetadata, string(raw)); err == nil {
				members = append(members, m)
			}
		}
	}
	if len(tags) > 0 {
		if m, err := baggage.NewMemberRaw(baggageTags, strings.Join(tags, ",")); err == nil {
			members = append(members, m)
		}
	}
	if r.project != "" {
		if m, err := baggage.NewMemberRaw(baggageProject, r.project); err == nil {
			members = append(members, m)
		}
	}
	if len(members) > 0 {
		if b, err := baggage.New(members...); err == nil {
			h.Set(BaggageHeader, b.String())
		}
	}
	return h
}

// FromHeaders rebuilds the remote parent described by h. The returned run is
// a placeholder: it is never posted or ended, and children created from it
// join the remote trace with the parent's tags and metadata. cfg supplies the
// sink and may add tags and metadata; its Name labels the placeholder.
//
// Malformed baggage is ignored; a missing or malformed trace header is a
// ValidationError.
func FromHeaders(h http.Header, cfg Config) (*Run, error) {
	raw := h.Get(TraceHeader)
	if raw == "" {
		return nil, errs.Validationf(TraceHeader, "header missing")
	}
	segments, err := ParseDottedOrder(raw)
	if err != nil {
		return nil, err
	}

	last := segments[len(segments)-1]
	r := &Run{
		id:          last.ID,
		traceID:     segments[0].ID,
		dottedOrder: raw,
		runType:     RunTypeChain,
		startTime:   last.Time,
		project:     cfg.Project,
		sink:        cfg.Sink,
		remote:      true,
		posted:      true,
		trace:       newTraceState(),
		name:        cfg.Name,
		tags:        slices.Clone(cfg.Tags),
		metadata:    maps.Clone(cfg.Metadata),
	}
	if r.name == "" {
		r.name = "remote"
	}
	if len(segments) > 1 {
		pid := segments[len(segments)-2].ID
		r.parentID = &pid
	}
	for _, seg := range segments {
		if !r.trace.register(seg.ID) {
			return nil, errs.Validationf(TraceHeader, "run id %s repeats in dotted order", seg.ID)
		}
	}

	applyBaggage(r, h.Get(BaggageHeader))
	return r, nil
}

func applyBaggage(r *Run, header string) {
	if header == "" {
		return
	}
	b, err := baggage.Parse(header)
	if err != nil {
		return
	}
	if v := b.Member(baggageMetadata).Value(); v != "" {
		var md map[string]any
		if err := json.UnmarshalFromString(v, &md); err == nil {
			r.metadata = mergeMetadata(md, r.metadata)
		}
	}
	if v := b.Member(baggageTags).Value(); v != "" {
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		r.tags = mergeTags(tags, r.tags)
	}
	if v := b.Member(baggageProject).Value(); v != "" && r.project == "" {
		r.project = v
	}
}

// TraceIDFromHeaders returns the trace id carried by h without building a run.
func TraceIDFromHeaders(h http.Header) (uuid.UUID, error) {
	segments, err := ParseDottedOrder(h.Get(TraceHeader))
	if err != nil {
		return uuid.Nil, err
	}
	return segments[0].ID, nil
}
