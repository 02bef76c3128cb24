package table

import "encoding/binary"

// slotView is a typed accessor over one slot's bytes. It never retains
// the slice past the call that produced it — every access goes through
// Table.slot(i), so there is exactly one place that turns an index into
// a byte range (Design Notes: "keep byte offsets in one place").
type slotView struct {
	b layout
	l Layout
}

// layout is the raw slot bytes, aliased into the mapped region.
type layout []byte

func (s slotView) busy() bool { return s.b[offBusy] != 0 }
func (s slotView) tomb() bool { return s.b[offTomb] != 0 }

func (s slotView) setBusy(v bool) { s.b[offBusy] = boolByte(v) }
func (s slotView) setTomb(v bool) { s.b[offTomb] = boolByte(v) }

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// key returns the slot's key as a Go string, stopping at the first NUL.
func (s slotView) key() string {
	return cString(s.b[offKey : offKey+s.l.KMax+1])
}

func (s slotView) setKey(key string) {
	region := s.b[offKey : offKey+s.l.KMax+1]
	clear(region)
	copy(region, key)
}

func (s slotView) value() string {
	return cString(s.b[s.l.offValue : s.l.offValue+s.l.VMax+1])
}

func (s slotView) setValue(value string) {
	region := s.b[s.l.offValue : s.l.offValue+s.l.VMax+1]
	clear(region)
	copy(region, value)
}

func (s slotView) ttl() int32 {
	return int32(binary.LittleEndian.Uint32(s.b[s.l.offTTL : s.l.offTTL+4]))
}

func (s slotView) setTTL(v int32) {
	binary.LittleEndian.PutUint32(s.b[s.l.offTTL:s.l.offTTL+4], uint32(v))
}

// keyMatches compares against key without allocating a Go string for the
// slot's stored key.
func (s slotView) keyMatches(key string) bool {
	region := s.b[offKey : offKey+s.l.KMax+1]
	for i := 0; i < len(key); i++ {
		if region[i] != key[i] {
			return false
		}
	}
	return region[len(key)] == 0
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
