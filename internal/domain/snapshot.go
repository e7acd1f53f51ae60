package domain

import (
	"fmt"
	"time"
)

// Snapshot is an immutable point-in-time view of all flags and segments
// of a namespace. Fields are unexported and accessors return copies, so a
// snapshot handed to a reader stays valid and unchanged for its lifetime.
type Snapshot struct {
	namespace string
	version   string
	fetchedAt time.Time

	flags     []Flag
	flagIndex map[string]int
	segments  map[string]Segment
}

// Patch is an incremental update applied on top of an existing snapshot
type Patch struct {
	Version        string
	UpsertFlags    []Flag
	DeleteFlags    []string
	UpsertSegments []Segment
	DeleteSegments []string
}

// NewSnapshot validates flags and segments and freezes them into a Snapshot.
// Flags keep the order they are given in.
func NewSnapshot(namespace, version string, flags []Flag, segments []Segment) (*Snapshot, error) {
	if namespace == "" {
		return nil, NewMalformedSnapshotError(namespace, "namespace cannot be empty", nil)
	}

	s := &Snapshot{
		namespace: namespace,
		version:   version,
		fetchedAt: time.Now().UTC(),
		flags:     make([]Flag, 0, len(flags)),
		flagIndex: make(map[string]int, len(flags)),
		segments:  make(map[string]Segment, len(segments)),
	}

	for _, seg := range segments {
		if err := seg.Validate(); err != nil {
			return nil, NewMalformedSnapshotError(namespace, "invalid segment", err)
		}
		if _, dup := s.segments[seg.Key]; dup {
			return nil, NewMalformedSnapshotError(namespace, fmt.Sprintf("duplicate segment key %q", seg.Key), nil)
		}
		s.segments[seg.Key] = seg.clone()
	}

	for _, flag := range flags {
		if err := flag.Validate(); err != nil {
			return nil, NewMalformedSnapshotError(namespace, "invalid flag", err)
		}
		if _, dup := s.flagIndex[flag.Key]; dup {
			return nil, NewMalformedSnapshotError(namespace, fmt.Sprintf("duplicate flag key %q", flag.Key), nil)
		}
		for _, key := range flag.SegmentKeys() {
			if _, ok := s.segments[key]; !ok {
				return nil, NewMalformedSnapshotError(namespace,
					fmt.Sprintf("flag %q references unknown segment %q", flag.Key, key), nil)
			}
		}

		s.flagIndex[flag.Key] = len(s.flags)
		s.flags = append(s.flags, flag.clone())
	}

	return s, nil
}

// Namespace returns the namespace the snapshot belongs to
func (s *Snapshot) Namespace() string { return s.namespace }

// Version returns the etag or stream version the snapshot was built from
func (s *Snapshot) Version() string { return s.version }

// FetchedAt returns when the snapshot was built
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

// Len returns the number of flags
func (s *Snapshot) Len() int { return len(s.flags) }

// Flag looks up a flag by key
func (s *Snapshot) Flag(key string) (Flag, bool) {
	i, ok := s.flagIndex[key]
	if !ok {
		return Flag{}, false
	}
	return s.flags[i].clone(), true
}

// Segment looks up a segment by key
func (s *Snapshot) Segment(key string) (Segment, bool) {
	seg, ok := s.segments[key]
	if !ok {
		return Segment{}, false
	}
	return seg.clone(), true
}

// Flags returns all flags in stored order
func (s *Snapshot) Flags() []Flag {
	out := make([]Flag, len(s.flags))
	for i, f := range s.flags {
		out[i] = f.clone()
	}
	return out
}

// Segments returns all segments, in no particular order
func (s *Snapshot) Segments() []Segment {
	out := make([]Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, seg.clone())
	}
	return out
}

// Apply builds a new snapshot with the patch applied. The receiver is not modified.
func (s *Snapshot) Apply(p Patch) (*Snapshot, error) {
	deletedSegments := toSet(p.DeleteSegments)
	segments := make([]Segment, 0, len(s.segments)+len(p.UpsertSegments))
	upserted := make(map[string]bool, len(p.UpsertSegments))
	for _, seg := range p.UpsertSegments {
		upserted[seg.Key] = true
		segments = append(segments, seg)
	}
	for key, seg := range s.segments {
		if deletedSegments[key] || upserted[key] {
			continue
		}
		segments = append(segments, seg)
	}

	deletedFlags := toSet(p.DeleteFlags)
	replacements := make(map[string]Flag, len(p.UpsertFlags))
	for _, f := range p.UpsertFlags {
		replacements[f.Key] = f
	}

	flags := make([]Flag, 0, len(s.flags)+len(p.UpsertFlags))
	for _, f := range s.flags {
		if deletedFlags[f.Key] {
			continue
		}
		if r, ok := replacements[f.Key]; ok {
			flags = append(flags, r)
			delete(replacements, f.Key)
			continue
		}
		flags = append(flags, f)
	}
	// new flags go to the end in the order the patch lists them
	for _, f := range p.UpsertFlags {
		if _, pending := replacements[f.Key]; pending {
			flags = append(flags, f)
		}
	}

	version := p.Version
	if version == "" {
		version = s.version
	}

	return NewSnapshot(s.namespace, version, flags, segments)
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
