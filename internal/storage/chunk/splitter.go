package chunk

import "io"

// Chunk is a unit produced by a splitter.
type Chunk struct {
	Index  int
	Offset int64
	Hash   Address
	Data   []byte
}

// Splitter streams chunks to a callback.
type Splitter interface {
	Split(r io.Reader, fn func(Chunk) error) error
}

// CDCSplitter splits streams at content-defined boundaries.
type CDCSplitter struct {
	Params Params
	Hasher Hasher
}

// NewCDCSplitter creates a content-defined splitter.
func NewCDCSplitter(params Params, hasher Hasher) *CDCSplitter {
	if hasher == nil {
		hasher = DefaultHasher()
	}
	return &CDCSplitter{Params: params.WithDefaults(), Hasher: hasher}
}

// Split streams content-defined chunks to the callback. Chunk data is
// copied, so the callback may retain it.
func (s *CDCSplitter) Split(r io.Reader, fn func(Chunk) error) error {
	chunker, err := NewChunker(r, s.Params)
	if err != nil {
		return err
	}
	index := 0
	for {
		cut, err := chunker.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		data := make([]byte, len(cut.Data))
		copy(data, cut.Data)
		ch := Chunk{
			Index:  index,
			Offset: cut.Offset,
			Hash:   s.Hasher.Sum(data),
			Data:   data,
		}
		if err := fn(ch); err != nil {
			return err
		}
		index++
	}
}

// FixedSplitter splits streams into fixed-size chunks. Used by the
// small-file profile where content-defined boundaries buy nothing.
type FixedSplitter struct {
	Size   int
	Hasher Hasher
}

// NewFixedSplitter creates a fixed-size splitter.
func NewFixedSplitter(size int, hasher Hasher) *FixedSplitter {
	if size <= 0 {
		size = DefaultAvgSize
	}
	if hasher == nil {
		hasher = DefaultHasher()
	}
	return &FixedSplitter{Size: size, Hasher: hasher}
}

// Split streams chunks to the callback; the final chunk may be smaller.
func (s *FixedSplitter) Split(r io.Reader, fn func(Chunk) error) error {
	buf := make([]byte, s.Size)
	index := 0
	var offset int64
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		if n == 0 {
			return nil
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		ch := Chunk{
			Index:  index,
			Offset: offset,
			Hash:   s.Hasher.Sum(data),
			Data:   data,
		}
		if err := fn(ch); err != nil {
			return err
		}
		index++
		offset += int64(n)
		if err == io.ErrUnexpectedEOF {
			return nil
		}
	}
}
