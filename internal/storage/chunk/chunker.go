package chunk

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// Default chunking profile (64 KiB average).
const (
	DefaultMinSize       = 16 << 10
	DefaultAvgSize       = 64 << 10
	DefaultMaxSize       = 256 << 10
	DefaultNormalization = 2
)

// Params configures the content-defined chunker.
type Params struct {
	MinSize       int
	AvgSize       int
	MaxSize       int
	Normalization int
}

// DefaultParams returns the default chunking profile.
func DefaultParams() Params {
	return Params{
		MinSize:       DefaultMinSize,
		AvgSize:       DefaultAvgSize,
		MaxSize:       DefaultMaxSize,
		Normalization: DefaultNormalization,
	}
}

// WithDefaults fills zero fields from AvgSize.
func (p Params) WithDefaults() Params {
	if p.AvgSize == 0 {
		p.AvgSize = DefaultAvgSize
	}
	if p.MinSize == 0 {
		p.MinSize = p.AvgSize / 4
	}
	if p.MaxSize == 0 {
		p.MaxSize = p.AvgSize * 4
	}
	if p.Normalization == 0 {
		p.Normalization = DefaultNormalization
	}
	return p
}

// Validate checks size and normalization constraints.
func (p Params) Validate() error {
	if p.AvgSize <= 0 || p.AvgSize&(p.AvgSize-1) != 0 {
		return errors.New("chunk: avg size must be a power of two")
	}
	if p.MinSize <= 0 || p.MinSize > p.AvgSize {
		return errors.New("chunk: min size must be in (0, avg]")
	}
	if p.MaxSize < p.AvgSize {
		return errors.New("chunk: max size must be >= avg size")
	}
	if p.Normalization < 0 || p.Normalization > 3 {
		return errors.New("chunk: normalization must be 0..3")
	}
	log2 := bits.TrailingZeros(uint(p.AvgSize))
	if log2+p.Normalization >= len(masks) || log2-p.Normalization < 5 {
		return fmt.Errorf("chunk: avg size 2^%d with normalization %d exceeds mask table", log2, p.Normalization)
	}
	return nil
}

func (p Params) maskPair() (maskS, maskL uint64) {
	log2 := bits.TrailingZeros(uint(p.AvgSize))
	return masks[log2+p.Normalization], masks[log2-p.Normalization]
}

// Cut is one content-defined chunk boundary decision.
type Cut struct {
	Offset      int64  // stream offset where the chunk starts
	Length      int    // chunk length in bytes
	Fingerprint uint64 // gear hash value at the boundary
	Data        []byte // chunk bytes, valid until the next call to Next
}

// Chunker splits a byte stream into content-defined chunks using the
// FastCDC boundary rule over the gear table. It holds a bounded sliding
// window (2x the maximum chunk size) and never materializes the input.
type Chunker struct {
	params Params
	maskS  uint64
	maskL  uint64

	r     io.Reader
	buf   []byte
	start int
	end   int
	pos   int64
	eof   bool
}

// NewChunker creates a chunker reading from r.
func NewChunker(r io.Reader, params Params) (*Chunker, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	maskS, maskL := params.maskPair()
	c := &Chunker{
		params: params,
		maskS:  maskS,
		maskL:  maskL,
		buf:    make([]byte, 2*params.MaxSize),
	}
	c.Reset(r)
	return c, nil
}

// Params returns the profile the chunker was built with.
func (c *Chunker) Params() Params { return c.params }

// Reset reinitializes the chunker over a new reader, keeping the buffer.
func (c *Chunker) Reset(r io.Reader) {
	c.r = r
	c.start = 0
	c.end = 0
	c.pos = 0
	c.eof = false
}

func (c *Chunker) fill() error {
	avail := c.end - c.start
	if avail >= c.params.MaxSize || c.eof {
		return nil
	}
	copy(c.buf, c.buf[c.start:c.end])
	c.start, c.end = 0, avail
	n, err := io.ReadFull(c.r, c.buf[avail:])
	c.end = avail + n
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		c.eof = true
		return nil
	}
	return err
}

// Next returns the next chunk, or io.EOF when the stream is exhausted.
// The returned Data slice aliases the internal buffer.
func (c *Chunker) Next() (Cut, error) {
	if err := c.fill(); err != nil {
		return Cut{}, err
	}
	if c.start == c.end {
		return Cut{}, io.EOF
	}
	n, fp := c.cut(c.buf[c.start:c.end])
	cut := Cut{
		Offset:      c.pos,
		Length:      n,
		Fingerprint: fp,
		Data:        c.buf[c.start : c.start+n],
	}
	c.start += n
	c.pos += int64(n)
	return cut, nil
}

// cut scans data for the next boundary. The hash accumulates from the
// chunk start; boundary tests begin at MinSize, use the sparse mask up
// to AvgSize, the dense mask up to MaxSize, and force a boundary there.
func (c *Chunker) cut(data []byte) (int, uint64) {
	n := len(data)
	if n <= c.params.MinSize {
		return n, 0
	}
	limit := n
	if limit > c.params.MaxSize {
		limit = c.params.MaxSize
	}
	normal := c.params.AvgSize
	if normal > limit {
		normal = limit
	}

	var h uint64
	i := 0
	for ; i < c.params.MinSize; i++ {
		h = (h << 1) + gear[data[i]]
	}
	for ; i < normal; i++ {
		h = (h << 1) + gear[data[i]]
		if h&c.maskS == 0 {
			return i + 1, h
		}
	}
	for ; i < limit; i++ {
		h = (h << 1) + gear[data[i]]
		if h&c.maskL == 0 {
			return i + 1, h
		}
	}
	return limit, h
}

// Cuts drains the chunker and returns the interior boundary offsets
// (every chunk end except the final end-of-stream position) plus the
// total number of bytes consumed.
func (c *Chunker) Cuts() ([]int64, int64, error) {
	var cuts []int64
	var total int64
	for {
		cut, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		total = cut.Offset + int64(cut.Length)
		cuts = append(cuts, total)
	}
	if len(cuts) > 0 {
		cuts = cuts[:len(cuts)-1]
	}
	return cuts, total, nil
}
