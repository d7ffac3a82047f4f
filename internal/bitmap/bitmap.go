// Package bitmap implements the fixed-size edge-coverage bitmaps used to
// detect whether a Sink execution discovered coverage nobody has seen before.
package bitmap

import "sync"

// DefaultMapSize is the default size, in bytes, of a coverage bitmap.
const DefaultMapSize = 1 << 16

// Status reports the outcome of comparing a coverage bitmap against a virgin
// map.
type Status int

const (
	// NoNew means the coverage bitmap contained nothing the virgin map
	// hadn't already cleared.
	NoNew Status = iota
	// NewHit means at least one previously-unseen bit was cleared, but no
	// byte in the virgin map fully transitioned away from 0xFF.
	NewHit
	// NewEdge means at least one virgin byte transitioned from 0xFF to a
	// non-0xFF value, i.e. a brand new edge was hit for the first time.
	NewEdge
)

// Bitmap is a fixed-size byte array of edge counters.
type Bitmap struct {
	data []byte
}

// New allocates a bitmap of the given size with every byte set to fill.
func New(size int, fill byte) *Bitmap {
	b := &Bitmap{data: make([]byte, size)}
	for i := range b.data {
		b.data[i] = fill
	}
	return b
}

// NewVirgin allocates a bitmap per the "virgin map" convention: size
// DefaultMapSize, every byte 0xFF ("not yet seen").
func NewVirgin() *Bitmap {
	return New(DefaultMapSize, 0xFF)
}

// Wrap builds a transient Bitmap view directly over data, with no copy. Used
// to treat a freshly-read Sink coverage buffer as a Bitmap for one
// HasNewBit comparison without allocating.
func Wrap(data []byte) *Bitmap {
	return &Bitmap{data: data}
}

// Len returns the size of the bitmap in bytes.
func (b *Bitmap) Len() int {
	return len(b.data)
}

// Bytes exposes the raw backing array. CopyFrom and Set overwrite that array
// in place, so a retained slice observes their new contents.
func (b *Bitmap) Bytes() []byte {
	return b.data
}

// Set overwrites the bitmap's contents with coverage, used by tests and by
// the worker's "execute source/sink once, read the result back" boundary.
func (b *Bitmap) Set(coverage []byte) {
	copy(b.data, coverage)
}

// CopyFrom plain-memcpy's the contents of other into b. Used to re-sync a
// worker's local virgin map with the global one after a new-bit event.
func (b *Bitmap) CopyFrom(other *Bitmap) {
	copy(b.data, other.data)
}

// HasNewBit scans b (the coverage observed by one execution) against virgin,
// word-aligned, clearing from virgin every bit that b also has set. It
// reports NewEdge if any virgin byte transitioned away from 0xFF during this
// call, else NewHit if any bit was cleared at all, else NoNew.
func (b *Bitmap) HasNewBit(virgin *Bitmap) Status {
	if len(b.data) != len(virgin.data) {
		panic("bitmap: size mismatch between coverage map and virgin map")
	}

	status := NoNew
	n := len(b.data)
	i := 0

	// Word-aligned scan: process 8 bytes at a time where possible.
	for ; i+8 <= n; i += 8 {
		var cov, vir uint64
		for k := 0; k < 8; k++ {
			cov |= uint64(b.data[i+k]) << (8 * k)
			vir |= uint64(virgin.data[i+k]) << (8 * k)
		}
		hit := cov & vir
		if hit == 0 {
			continue
		}
		for k := 0; k < 8; k++ {
			shift := uint(8 * k)
			covByte := byte(hit >> shift)
			if covByte == 0 {
				continue
			}
			before := virgin.data[i+k]
			after := before &^ covByte
			virgin.data[i+k] = after
			status = raiseStatus(status, before, after)
		}
	}

	for ; i < n; i++ {
		hit := b.data[i] & virgin.data[i]
		if hit == 0 {
			continue
		}
		before := virgin.data[i]
		after := before &^ hit
		virgin.data[i] = after
		status = raiseStatus(status, before, after)
	}

	return status
}

// Global is the campaign-wide virgin map, shared and mutated by every
// worker. It is consulted only after a worker's own local virgin map
// already indicated new coverage, to confirm the new bits are globally new
// and not merely new to that one worker.
type Global struct {
	mu     sync.Mutex
	virgin *Bitmap
}

// NewGlobal allocates a Global virgin map of DefaultMapSize.
func NewGlobal() *Global {
	return &Global{virgin: NewVirgin()}
}

// CheckAndSync implements check_virgin_maps: it first checks coverage
// against local; if that already reports no new bits, local and global
// agree and there is nothing further to do. Otherwise it takes the global
// lock, re-checks coverage against the global map (the authoritative
// decision), and re-syncs local from global so a future call by the same
// worker does not need to take the lock again for a path it has now also
// seen globally.
func CheckAndSync(coverage *Bitmap, local *Bitmap, global *Global) Status {
	status := coverage.HasNewBit(local)
	if status == NoNew {
		return status
	}

	global.mu.Lock()
	status = coverage.HasNewBit(global.virgin)
	local.CopyFrom(global.virgin)
	global.mu.Unlock()

	return status
}

// raiseStatus never downgrades an already-raised status within one call to
// HasNewBit: once NewEdge is observed it stays NewEdge for the remainder of
// the scan.
func raiseStatus(current Status, before, after byte) Status {
	if before == 0xFF && after != 0xFF {
		return NewEdge
	}
	if current == NewEdge {
		return NewEdge
	}
	return NewHit
}
