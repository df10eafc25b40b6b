package req

import (
	"bytes"
	"fmt"
	"io"
)

// Body is the payload of an envelope. It is either finite (fully buffered,
// admissible to the cache) or streaming (traversable once, never cached).
type Body struct {
	buf    []byte
	stream io.ReadCloser
}

// Finite returns a fully buffered body.
func Finite(b []byte) *Body {
	return &Body{buf: b}
}

// Stream returns a streaming body. The reader is consumed exactly once.
func Stream(rc io.ReadCloser) *Body {
	return &Body{stream: rc}
}

// IsFinite reports whether the body is fully buffered.
// A nil body counts as finite (and empty).
func (b *Body) IsFinite() bool {
	return b == nil || b.stream == nil
}

// Bytes returns the buffered payload. It returns nil for streaming bodies.
func (b *Body) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.buf
}

// Len returns the buffered payload length, 0 for streaming bodies.
func (b *Body) Len() int {
	if b == nil {
		return 0
	}
	return len(b.buf)
}

// Reader returns a reader over the body. For finite bodies the reader can be
// recreated at will; a streaming body yields its underlying reader, which is
// good for one traversal only.
func (b *Body) Reader() io.ReadCloser {
	if b == nil {
		return io.NopCloser(bytes.NewReader(nil))
	}
	if b.stream != nil {
		return b.stream
	}
	return io.NopCloser(bytes.NewReader(b.buf))
}

// Materialize drains a streaming body into memory, converting it to a finite
// body. Bodies larger than limit bytes are rejected (limit <= 0 means no
// limit). Finite bodies are returned unchanged.
func (b *Body) Materialize(limit int64) error {
	if b == nil || b.stream == nil {
		return nil
	}
	r := io.Reader(b.stream)
	if limit > 0 {
		r = io.LimitReader(b.stream, limit+1)
	}
	buf, err := io.ReadAll(r)
	b.stream.Close()
	if err != nil {
		return err
	}
	if limit > 0 && int64(len(buf)) > limit {
		return fmt.Errorf("body exceeds %d bytes", limit)
	}
	b.buf = buf
	b.stream = nil
	return nil
}

// Close releases a streaming body without reading it.
func (b *Body) Close() error {
	if b == nil || b.stream == nil {
		return nil
	}
	err := b.stream.Close()
	b.stream = nil
	return err
}
