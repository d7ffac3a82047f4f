package mutationcache

// SiteID identifies a static instrumentation site in the Source. Dense and
// immutable after Source startup.
type SiteID uint64

// Entry is one runtime record per patch point that is active for the
// current execution (a Mutation Cache Entry, MCE).
//
// Invariant: IsNop() <=> len(Mask) == 0.
type Entry struct {
	ID              SiteID
	Mask            []byte
	BitWidth        uint32
	InstructionKind string
}

// IsNop reports whether this entry carries an empty mutation mask.
func (e *Entry) IsNop() bool {
	return len(e.Mask) == 0
}

// clone returns a deep copy of e, so callers that build a new Cache from an
// existing one's entries never alias the same backing mask array.
func (e *Entry) clone() *Entry {
	c := &Entry{
		ID:              e.ID,
		BitWidth:        e.BitWidth,
		InstructionKind: e.InstructionKind,
	}
	if len(e.Mask) > 0 {
		c.Mask = make([]byte, len(e.Mask))
		copy(c.Mask, e.Mask)
	}
	return c
}
