package table

import (
	"errors"
	"fmt"
	"hash/fnv"
)

// Response literals. Existing clients match on the exact strings, so
// they must be reproduced byte for byte.
const (
	ErrKeyNotExist  = "error (key doesn't exist)\n"
	ErrKeyTooBig    = "error (too big key)\n"
	ErrValueTooBig  = "error (too big value)\n"
	ErrTTLTooSmall  = "error (TTL is less than 1)\n"
	ErrNoEmptyCells = "error (no empty cells)\n"
)

// missIndex is returned by findEntry/findPlace when the probe sequence is
// exhausted without success.
const missIndex = -1

// ErrRegionTooSmall is returned when a configured region cannot hold even
// one slot for the configured KMAX/VMAX.
var ErrRegionTooSmall = errors.New("table: region too small for one slot")

// Table is a view over a mapped region: T slots of size E, starting at
// offset 0, with no header.
//
// Table itself holds no lock. Every exported method requires the caller
// to already hold the cross-process exclusive lock — Table never
// acquires or blocks on anything itself.
type Table struct {
	data     []byte
	layout   Layout
	capacity int
}

// Open wraps a mapped byte region as a Table using the layout derived
// from kmax/vmax. All processes mapping the same region must pass
// identical kmax/vmax — Open does not verify
// this across processes, since the region carries no header to check
// against.
func Open(data []byte, kmax, vmax int) (*Table, error) {
	l, err := NewLayout(kmax, vmax)
	if err != nil {
		return nil, err
	}

	capacity := l.Capacity(len(data))
	if capacity == 0 {
		return nil, fmt.Errorf("%w: %d bytes holds zero slots of size %d", ErrRegionTooSmall, len(data), l.SlotSize())
	}

	return &Table{data: data, layout: l, capacity: capacity}, nil
}

// Capacity returns T.
func (t *Table) Capacity() int { return t.capacity }

func (t *Table) slot(i int) slotView {
	off := i * t.layout.slotSize
	return slotView{b: t.data[off : off+t.layout.slotSize], l: t.layout}
}

// hashIndex reduces a deterministic 64-bit hash of key modulo T to the
// initial probe index. FNV-1a/64 has no per-process seed, so every
// process built from this binary probes identically.
func (t *Table) hashIndex(key string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(t.capacity))
}

// findEntry walks the probe sequence h, h+1, ..., stopping with a miss at
// the first free slot, and returning the index of a live (non-tombstone)
// slot whose key matches.
func (t *Table) findEntry(key string) int {
	h := t.hashIndex(key)

	for step := 0; step < t.capacity; step++ {
		idx := (h + step) % t.capacity
		s := t.slot(idx)

		if !s.busy() {
			return missIndex
		}
		if !s.tomb() && s.keyMatches(key) {
			return idx
		}
	}

	return missIndex
}

// findPlace walks the probe sequence starting at h and returns the first
// slot that is neither live nor tombstoned. Tombstones are deliberately
// never reused: the janitor is the sole tombstone creator, and a
// tombstoned slot stays unusable until the region is recreated.
func (t *Table) findPlace(key string) int {
	h := t.hashIndex(key)

	for step := 0; step < t.capacity; step++ {
		idx := (h + step) % t.capacity
		if !t.slot(idx).busy() {
			return idx
		}
	}

	return missIndex
}

// Get looks up key and returns its wire response line.
func (t *Table) Get(key string) string {
	if len(key) >= t.layout.KMax {
		return ErrKeyTooBig
	}

	idx := t.findEntry(key)
	if idx == missIndex {
		return ErrKeyNotExist
	}

	s := t.slot(idx)
	return fmt.Sprintf("ok %s %s\n", key, s.value())
}

// Set inserts or overwrites key and returns its wire response line.
func (t *Table) Set(ttl int, key, value string) string {
	if len(key) >= t.layout.KMax {
		return ErrKeyTooBig
	}
	if len(value) >= t.layout.VMax {
		return ErrValueTooBig
	}
	if ttl <= 0 {
		return ErrTTLTooSmall
	}

	if idx := t.findEntry(key); idx != missIndex {
		s := t.slot(idx)
		s.setValue(value)
		s.setTTL(int32(ttl))
		return fmt.Sprintf("ok %s %s\n", key, value)
	}

	idx := t.findPlace(key)
	if idx == missIndex {
		return ErrNoEmptyCells
	}

	s := t.slot(idx)
	s.setBusy(true)
	s.setTomb(false)
	s.setKey(key)
	s.setValue(value)
	s.setTTL(int32(ttl))

	return fmt.Sprintf("ok %s %s\n", key, value)
}

// Tick runs the janitor's per-second sweep.
// For every live, non-tombstoned slot: ttl==0 tombstones it, otherwise
// ttl is decremented.
func (t *Table) Tick() {
	for i := 0; i < t.capacity; i++ {
		s := t.slot(i)
		if !s.busy() || s.tomb() {
			continue
		}

		if s.ttl() == 0 {
			s.setTomb(true)
			continue
		}

		s.setTTL(s.ttl() - 1)
	}
}
