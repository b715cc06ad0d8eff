package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"fsrelay/internal/change"
)

// Reader splits a byte stream into frames and decodes them.
type Reader struct {
	reader *bufio.Reader
	header [HeaderSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReader(r)}
}

// Next returns the next decoded batch.
//
// An error wrapping ErrDecode means the frame body was discarded but the
// stream is still aligned on a frame boundary, so the caller may keep
// reading. Any other error (io.EOF, io.ErrUnexpectedEOF, ErrFrameTooLarge,
// network errors) leaves the stream unusable.
func (r *Reader) Next() (change.Batch, error) {
	if _, err := io.ReadFull(r.reader, r.header[:]); err != nil {
		return change.Batch{}, err
	}
	size := binary.BigEndian.Uint32(r.header[:])
	if size > MaxFrameSize {
		return change.Batch{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r.reader, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return change.Batch{}, err
	}
	return decodeBody(data)
}

// Recoverable reports whether err still allows reading further frames.
func Recoverable(err error) bool {
	return errors.Is(err, ErrDecode)
}
