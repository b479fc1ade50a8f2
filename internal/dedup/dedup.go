// Package dedup interns immutable sequences so that trips with the same
// stop-time pattern share one backing array.
//
// A Deduplicator lives for one load generation. Entries are never evicted;
// a reload builds a fresh Deduplicator and drops the old one wholesale.
package dedup

import (
	"encoding/binary"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

type Deduplicator struct {
	mu      sync.RWMutex
	int32s  map[uint64][][]int32
	strings map[uint64][][]string

	hits   atomic.Int64
	misses atomic.Int64
}

type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

func New() *Deduplicator {
	return &Deduplicator{
		int32s:  make(map[uint64][][]int32),
		strings: make(map[uint64][][]string),
	}
}

// Int32s returns the canonical instance of seq. Callers must not mutate the
// result: it may be aliased by any number of trips.
func (d *Deduplicator) Int32s(seq []int32) []int32 {
	if len(seq) == 0 {
		return nil
	}
	h := hashInt32s(seq)

	d.mu.RLock()
	found := lookup(d.int32s[h], seq)
	d.mu.RUnlock()
	if found != nil {
		d.hits.Add(1)
		return found
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// another worker may have inserted it between the two locks
	if found := lookup(d.int32s[h], seq); found != nil {
		d.hits.Add(1)
		return found
	}
	canonical := slices.Clone(seq)
	d.int32s[h] = append(d.int32s[h], canonical)
	d.misses.Add(1)
	return canonical
}

// Strings is the string counterpart of Int32s.
func (d *Deduplicator) Strings(seq []string) []string {
	if len(seq) == 0 {
		return nil
	}
	h := hashStrings(seq)

	d.mu.RLock()
	found := lookup(d.strings[h], seq)
	d.mu.RUnlock()
	if found != nil {
		d.hits.Add(1)
		return found
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if found := lookup(d.strings[h], seq); found != nil {
		d.hits.Add(1)
		return found
	}
	canonical := slices.Clone(seq)
	d.strings[h] = append(d.strings[h], canonical)
	d.misses.Add(1)
	return canonical
}

func (d *Deduplicator) Stats() Stats {
	d.mu.RLock()
	entries := 0
	for _, bucket := range d.int32s {
		entries += len(bucket)
	}
	for _, bucket := range d.strings {
		entries += len(bucket)
	}
	d.mu.RUnlock()
	return Stats{Entries: entries, Hits: d.hits.Load(), Misses: d.misses.Load()}
}

func lookup[T comparable](bucket [][]T, seq []T) []T {
	for _, candidate := range bucket {
		if slices.Equal(candidate, seq) {
			return candidate
		}
	}
	return nil
}

func hashInt32s(seq []int32) uint64 {
	var buf [4]byte
	h := xxhash.New()
	for _, v := range seq {
		binary.LittleEndian.PutUint32(buf[:], uint32(v))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// hashStrings length-prefixes every element so ["ab","c"] and ["a","bc"]
// land on different digests.
func hashStrings(seq []string) uint64 {
	var buf [8]byte
	h := xxhash.New()
	for _, s := range seq {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
		_, _ = h.Write(buf[:])
		_, _ = h.WriteString(s)
	}
	return h.Sum64()
}
