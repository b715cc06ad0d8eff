// Package wire frames change batches for transmission between a
// broadcaster and its recipients.
//
// A frame is a 4-byte big-endian body length followed by the body. The body
// is a CBOR map (core deterministic encoding) with exactly the text keys
// "modified", "added" and "removed", each an array of text strings:
//
//	payload, err := wire.NewMessage(batch).Payload()
//	batch, err := wire.Decode(payload)
//
// Streams are read frame by frame with a Reader.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"fsrelay/internal/change"

	"github.com/fxamacker/cbor/v2"
)

const (
	// HeaderSize is the length prefix size in bytes.
	HeaderSize = 4
	// MaxFrameSize bounds the declared body length.
	MaxFrameSize = 16 << 20
)

var (
	// ErrDecode marks a frame whose body could not be decoded.
	ErrDecode = errors.New("wire: decode failed")
	// ErrFrameTooLarge marks a header declaring more than MaxFrameSize
	// bytes. The stream cannot be resynchronized after it.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.NilContainers = cbor.NilContainerAsEmpty
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
		// Paths are raw bytes on most filesystems; accept them verbatim.
		UTF8: cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// body is the CBOR shape of one batch.
type body struct {
	Modified []string `cbor:"modified"`
	Added    []string `cbor:"added"`
	Removed  []string `cbor:"removed"`
}

// Message wraps exactly one change batch.
type Message struct {
	batch change.Batch
}

func NewMessage(batch change.Batch) Message {
	return Message{batch: batch}
}

// Payload returns the framed encoding of the message.
func (message Message) Payload() ([]byte, error) {
	return Encode(message.batch)
}

// Encode returns the framed encoding of batch. Equal batches always produce
// identical bytes.
func Encode(batch change.Batch) ([]byte, error) {
	data, err := encMode.Marshal(body{
		Modified: batch.Modified,
		Added:    batch.Added,
		Removed:  batch.Removed,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: encode batch: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	payload := make([]byte, HeaderSize, HeaderSize+len(data))
	binary.BigEndian.PutUint32(payload, uint32(len(data)))
	return append(payload, data...), nil
}

// Decode parses one complete frame.
func Decode(payload []byte) (change.Batch, error) {
	if len(payload) < HeaderSize {
		return change.Batch{}, fmt.Errorf("%w: short header (%d bytes)", ErrDecode, len(payload))
	}
	size := binary.BigEndian.Uint32(payload)
	if size > MaxFrameSize {
		return change.Batch{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	if uint64(len(payload)-HeaderSize) != uint64(size) {
		return change.Batch{}, fmt.Errorf("%w: header declares %d bytes, frame has %d", ErrDecode, size, len(payload)-HeaderSize)
	}
	return decodeBody(payload[HeaderSize:])
}

func decodeBody(data []byte) (change.Batch, error) {
	var kinds map[string][]string
	if err := decMode.Unmarshal(data, &kinds); err != nil {
		return change.Batch{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := checkKinds(kinds); err != nil {
		return change.Batch{}, err
	}
	return change.Batch{
		Modified: kinds[string(change.KindModified)],
		Added:    kinds[string(change.KindAdded)],
		Removed:  kinds[string(change.KindRemoved)],
	}.Normalize(), nil
}

func checkKinds(kinds map[string][]string) error {
	if kinds == nil {
		return fmt.Errorf("%w: body is not a map", ErrDecode)
	}
	missing := []string{}
	for _, kind := range change.Kinds {
		if _, ok := kinds[string(kind)]; !ok {
			missing = append(missing, string(kind))
		}
	}
	if len(missing) == 0 && len(kinds) == len(change.Kinds) {
		return nil
	}
	unknown := []string{}
	for key := range kinds {
		switch change.Kind(key) {
		case change.KindModified, change.KindAdded, change.KindRemoved:
		default:
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return fmt.Errorf("%w: kind set mismatch (missing %v, unknown %v)", ErrDecode, missing, unknown)
}
