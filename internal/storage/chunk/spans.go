package chunk

// Span describes a byte range [Offset, Offset+Len) within a file.
type Span struct {
	Offset int64
	Len    int64
}

// End returns the exclusive end offset.
func (s Span) End() int64 { return s.Offset + s.Len }

// Contains reports whether off falls inside the span.
func (s Span) Contains(off int64) bool {
	return off >= s.Offset && off < s.End()
}
