package detection

import (
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// CountingMode selects what a window's size means.
type CountingMode int

const (
	// CountEvents counts every retained entry.
	CountEvents CountingMode = iota
	// CountDistinct counts distinct discriminants among retained entries.
	CountDistinct
)

func (m CountingMode) String() string {
	switch m {
	case CountEvents:
		return "count_events"
	case CountDistinct:
		return "count_distinct_discriminant"
	default:
		return "unknown"
	}
}

type entry struct {
	ts   float64
	disc string
}

// window holds one key's entries in non-decreasing timestamp order.
// entries[head:] are live; the prefix is reclaimed on compaction.
type window struct {
	entries  []entry
	head     int
	distinct map[string]int
}

func (w *window) live() []entry {
	return w.entries[w.head:]
}

func (w *window) len() int {
	return len(w.entries) - w.head
}

// Store is a per-key sliding window of timestamps and optional
// discriminants. One Store belongs to one detector and is not safe for
// concurrent use; the owning engine serializes access.
type Store struct {
	window  float64
	mode    CountingMode
	windows map[string]*window
}

// NewStore creates a store retaining entries for d.
func NewStore(d time.Duration, mode CountingMode) *Store {
	return &Store{
		window:  d.Seconds(),
		mode:    mode,
		windows: make(map[string]*window),
	}
}

// Mode returns the store's counting mode.
func (s *Store) Mode() CountingMode {
	return s.mode
}

// Window returns the retention duration.
func (s *Store) Window() time.Duration {
	return time.Duration(s.window * float64(time.Second))
}

// SetWindow changes the retention duration. Entries outside the new window
// go on the next eviction.
func (s *Store) SetWindow(d time.Duration) {
	s.window = d.Seconds()
}

// Record adds an entry for key. A record older than the current tail is
// inserted in timestamp order.
func (s *Store) Record(key string, ts float64, disc string) {
	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		if s.mode == CountDistinct {
			w.distinct = make(map[string]int)
		}
		s.windows[key] = w
	}

	e := entry{ts: ts, disc: disc}
	live := w.live()
	if n := len(live); n == 0 || live[n-1].ts <= ts {
		w.entries = append(w.entries, e)
	} else {
		i := sort.Search(n, func(i int) bool { return live[i].ts > ts })
		pos := w.head + i
		w.entries = append(w.entries, entry{})
		copy(w.entries[pos+1:], w.entries[pos:])
		w.entries[pos] = e
	}
	if w.distinct != nil {
		w.distinct[disc]++
	}
}

// Evict drops entries of key older than now minus the window and forgets
// the key once its window is empty.
func (s *Store) Evict(key string, now float64) {
	w, ok := s.windows[key]
	if !ok {
		return
	}
	cutoff := now - s.window
	for w.head < len(w.entries) && w.entries[w.head].ts < cutoff {
		if w.distinct != nil {
			d := w.entries[w.head].disc
			if w.distinct[d]--; w.distinct[d] <= 0 {
				delete(w.distinct, d)
			}
		}
		w.entries[w.head] = entry{}
		w.head++
	}
	if w.len() == 0 {
		delete(s.windows, key)
		return
	}
	// reclaim the dead prefix once it dominates the backing array
	if w.head > 64 && w.head*2 >= len(w.entries) {
		n := copy(w.entries, w.entries[w.head:])
		w.entries = w.entries[:n]
		w.head = 0
	}
}

// Size returns the number of retained entries for key, or the number of
// distinct discriminants in CountDistinct mode.
func (s *Store) Size(key string) int {
	w, ok := s.windows[key]
	if !ok {
		return 0
	}
	if s.mode == CountDistinct {
		return len(w.distinct)
	}
	return w.len()
}

// Clear forgets every entry of key.
func (s *Store) Clear(key string) {
	delete(s.windows, key)
}

// Distinct returns the sorted distinct discriminants retained for key.
func (s *Store) Distinct(key string) []string {
	w, ok := s.windows[key]
	if !ok {
		return nil
	}
	if w.distinct != nil {
		return sets.List(sets.KeySet(w.distinct))
	}
	set := sets.New[string]()
	for _, e := range w.live() {
		if e.disc != "" {
			set.Insert(e.disc)
		}
	}
	return sets.List(set)
}

// Span returns the oldest and newest retained timestamps of key.
func (s *Store) Span(key string) (first, last float64, ok bool) {
	w, exists := s.windows[key]
	if !exists || w.len() == 0 {
		return 0, 0, false
	}
	live := w.live()
	return live[0].ts, live[len(live)-1].ts, true
}

// Keys returns the number of keys holding at least one entry.
func (s *Store) Keys() int {
	return len(s.windows)
}

// Sweep evicts every key against now and returns how many keys were
// dropped. Keys that stop receiving traffic are only reclaimed here.
func (s *Store) Sweep(now float64) int {
	before := len(s.windows)
	for key := range s.windows {
		s.Evict(key, now)
	}
	return before - len(s.windows)
}
