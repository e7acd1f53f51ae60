package fetcher

import (
	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
)

// snapshotToDomain converts a wire snapshot into a validated domain snapshot.
// Segments embedded in rules and rollouts are collected into the snapshot's
// segment set; the first definition of a key wins.
func snapshotToDomain(namespace, version string, s *wireSnapshot) (*domain.Snapshot, error) {
	if s == nil {
		return nil, domain.NewMalformedSnapshotError(namespace, "missing snapshot body", nil)
	}
	if s.Namespace.Key != "" && s.Namespace.Key != namespace {
		return nil, domain.NewMalformedSnapshotError(namespace,
			"snapshot belongs to namespace "+s.Namespace.Key, nil)
	}

	segments := newSegmentSet()
	flags := make([]domain.Flag, 0, len(s.Flags))
	for _, f := range s.Flags {
		flags = append(flags, flagToDomain(f, segments))
	}

	return domain.NewSnapshot(namespace, version, flags, segments.list)
}

// patchToDomain converts a wire patch. Segments embedded in upserted flags
// become segment upserts.
func patchToDomain(version string, p *wirePatch) domain.Patch {
	segments := newSegmentSet()
	for _, seg := range p.UpsertSegments {
		segments.add(seg)
	}

	flags := make([]domain.Flag, 0, len(p.UpsertFlags))
	for _, f := range p.UpsertFlags {
		flags = append(flags, flagToDomain(f, segments))
	}

	return domain.Patch{
		Version:        version,
		UpsertFlags:    flags,
		DeleteFlags:    p.DeleteFlags,
		UpsertSegments: segments.list,
		DeleteSegments: p.DeleteSegments,
	}
}

func flagToDomain(f wireFlag, segments *segmentSet) domain.Flag {
	out := domain.Flag{
		Key:         f.Key,
		Name:        f.Name,
		Description: f.Description,
		Enabled:     f.Enabled,
		Type:        domain.FlagType(f.Type),
	}
	if out.Type == "" {
		out.Type = domain.FlagTypeVariant
	}

	variants := map[string]bool{}
	addVariant := func(v wireVariant) {
		if v.Key == "" || variants[v.Key] {
			return
		}
		variants[v.Key] = true
		out.Variants = append(out.Variants, domain.Variant{Key: v.Key, Attachment: v.Attachment})
	}

	for _, v := range f.Variants {
		addVariant(v)
	}

	for _, r := range f.Rules {
		rule := domain.Rule{
			ID:              r.ID,
			Rank:            r.Rank,
			SegmentOperator: segmentOperator(r.SegmentOperator),
		}
		for _, seg := range r.Segments {
			segments.add(seg)
			rule.SegmentKeys = append(rule.SegmentKeys, seg.Key)
		}
		for _, d := range r.Distributions {
			addVariant(d.Variant)
			rule.Distributions = append(rule.Distributions, domain.Distribution{
				VariantKey: d.Variant.Key,
				Rollout:    d.Rollout,
			})
		}
		out.Rules = append(out.Rules, rule)
	}

	for _, r := range f.Rollouts {
		rollout := domain.Rollout{
			Rank: r.Rank,
			Type: domain.RolloutType(r.Type),
		}
		if r.Segment != nil {
			rs := &domain.RolloutSegment{
				SegmentOperator: segmentOperator(r.Segment.SegmentOperator),
				Value:           r.Segment.Value,
			}
			for _, seg := range r.Segment.Segments {
				segments.add(seg)
				rs.SegmentKeys = append(rs.SegmentKeys, seg.Key)
			}
			rollout.Segment = rs
		}
		if r.Threshold != nil {
			rollout.Threshold = &domain.RolloutThreshold{
				Percentage: r.Threshold.Percentage,
				Value:      r.Threshold.Value,
			}
		}
		out.Rollouts = append(out.Rollouts, rollout)
	}

	if f.DefaultVariant != nil {
		addVariant(*f.DefaultVariant)
		out.DefaultVariantKey = f.DefaultVariant.Key
	}

	return out
}

func segmentOperator(op string) domain.SegmentOperator {
	if op == "" {
		return domain.SegmentOperatorOR
	}
	return domain.SegmentOperator(op)
}

type segmentSet struct {
	seen map[string]bool
	list []domain.Segment
}

func newSegmentSet() *segmentSet {
	return &segmentSet{seen: map[string]bool{}}
}

func (s *segmentSet) add(seg wireSegment) {
	if s.seen[seg.Key] {
		return
	}
	s.seen[seg.Key] = true

	out := domain.Segment{
		Key:       seg.Key,
		MatchType: domain.MatchType(seg.MatchType),
	}
	if out.MatchType == "" {
		out.MatchType = domain.MatchTypeAll
	}
	for _, c := range seg.Constraints {
		typ := domain.ComparisonType(c.Type)
		if typ == "" {
			typ = domain.ComparisonString
		}
		out.Constraints = append(out.Constraints, domain.Constraint{
			Type:     typ,
			Property: c.Property,
			Operator: domain.Operator(c.Operator),
			Value:    c.Value,
		})
	}
	s.list = append(s.list, out)
}
