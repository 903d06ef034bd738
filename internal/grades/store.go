package grades

import (
	"log"
	"sort"
	"sync"
	"time"
)

// ChangeKind classifies a single Change.
type ChangeKind int

const (
	Changed   ChangeKind = iota // value replaced by a different value
	Published                   // previously null, now concrete
	Added                       // key not present in the previous snapshot
)

var changeKindNames = map[ChangeKind]string{
	Changed:   "changed",
	Published: "published",
	Added:     "added",
}

func (k ChangeKind) String() string {
	if s, ok := changeKindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Change is one entry of a Diff.
type Change struct {
	Key        Key        `json:"key"`
	CourseName string     `json:"courseName"`
	Kind       ChangeKind `json:"kind"`
	Previous   Value      `json:"previous"`
	Current    Value      `json:"current"`
	Weight     int        `json:"weight,omitempty"`
}

// Snapshot is the full record set of one successful extraction.
type Snapshot struct {
	CapturedAt time.Time
	Records    map[Key]Record
}

// Sorted returns the snapshot records ordered by key.
func (s Snapshot) Sorted() []Record {
	out := make([]Record, 0, len(s.Records))
	for _, r := range s.Records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// Persister saves and restores the current snapshot.
type Persister interface {
	Load() (Snapshot, bool, error)
	Save(Snapshot) error
}

// Store holds exactly one current snapshot and diffs new extractions against it.
type Store struct {
	mu        sync.RWMutex
	snapshot  Snapshot
	baseline  bool // false until the first commit (or a restored snapshot)
	persister Persister
}

func NewStore() *Store {
	return &Store{snapshot: Snapshot{Records: make(map[Key]Record)}}
}

// NewPersistentStore restores the last saved snapshot from p, if any. A
// failing restore is logged and the store starts without a baseline.
func NewPersistentStore(p Persister) *Store {
	s := NewStore()
	s.persister = p
	snap, ok, err := p.Load()
	if err != nil {
		log.Printf("[grades] restoring snapshot: %v", err)
		return s
	}
	if ok {
		s.snapshot = snap
		s.baseline = true
		log.Printf("[grades] restored %d records captured at %s", len(snap.Records), snap.CapturedAt.Format(time.RFC3339))
	}
	return s
}

// Diff compares records against the stored snapshot. Keys missing from the
// stored snapshot count as null, so only concrete values surface as additions.
// Keys missing from records are ignored. Without a baseline the diff is empty.
// A key repeated in records resolves to its last occurrence, as in Commit.
func (s *Store) Diff(records []Record) []Change {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.baseline {
		return nil
	}

	last := make(map[Key]int, len(records))
	for i, r := range records {
		last[r.Key()] = i
	}

	var changes []Change
	for i, r := range records {
		if last[r.Key()] != i {
			continue
		}
		prev, existed := s.snapshot.Records[r.Key()]
		if existed && prev.Value.Equal(r.Value) {
			continue
		}
		if !existed && r.Value.IsNull() {
			continue
		}
		c := Change{
			Key:        r.Key(),
			CourseName: r.CourseName,
			Previous:   prev.Value,
			Current:    r.Value,
			Weight:     r.Weight,
		}
		switch {
		case !existed:
			c.Kind = Added
		case prev.Value.IsNull():
			c.Kind = Published
		default:
			c.Kind = Changed
		}
		changes = append(changes, c)
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Key.Less(changes[j].Key) })
	return changes
}

// Commit replaces the stored snapshot with records unconditionally.
func (s *Store) Commit(records []Record, at time.Time) {
	snap := Snapshot{
		CapturedAt: at,
		Records:    make(map[Key]Record, len(records)),
	}
	for _, r := range records {
		snap.Records[r.Key()] = r
	}

	s.mu.Lock()
	s.snapshot = snap
	s.baseline = true
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Save(snap); err != nil {
			log.Printf("[grades] persisting snapshot: %v", err)
		}
	}
}

// Snapshot returns a copy of the current snapshot and whether a baseline exists.
func (s *Store) Snapshot() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := Snapshot{
		CapturedAt: s.snapshot.CapturedAt,
		Records:    make(map[Key]Record, len(s.snapshot.Records)),
	}
	for k, r := range s.snapshot.Records {
		cp.Records[k] = r
	}
	return cp, s.baseline
}
