// Package wire implements component F: the length-prefixed JSON frame
// codec and the tagged envelope types exchanged between an instrumented
// process (internal/pushloop) and the collector (internal/collector).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolMagic opens every stream, client or server side, before any
// framed message is exchanged.
var ProtocolMagic = [4]byte{'P', 'E', 'E', 'P'}

// MaxPayloadBytes is the largest JSON payload a single frame may carry.
const MaxPayloadBytes = 128 * 1024 * 1024

// FrameErrorKind is the closed set of frame-codec failure modes.
type FrameErrorKind string

const (
	PayloadTooLarge FrameErrorKind = "PayloadTooLarge"
	FrameTooShort   FrameErrorKind = "FrameTooShort"
	FrameTooLarge   FrameErrorKind = "FrameTooLarge"
	FrameTruncated  FrameErrorKind = "FrameTruncated"
)

// FrameCodecError reports a framing failure with enough context to log
// diagnostically, matching the ambient error-handling convention of typed,
// inspectable errors rather than bare strings.
type FrameCodecError struct {
	Kind FrameErrorKind
	N    uint32
}

func (e *FrameCodecError) Error() string {
	return fmt.Sprintf("wire: %s (len=%d)", e.Kind, e.N)
}

// WriteMagic writes the protocol magic to w.
func WriteMagic(w io.Writer) error {
	_, err := w.Write(ProtocolMagic[:])
	return err
}

// ReadMagic reads and validates the protocol magic from r.
func ReadMagic(r io.Reader) error {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return &FrameCodecError{Kind: FrameTooShort}
	}
	if got != ProtocolMagic {
		return &FrameCodecError{Kind: FrameTruncated}
	}
	return nil
}

// WriteFrame writes a big-endian u32 length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return &FrameCodecError{Kind: PayloadTooLarge, N: uint32(len(payload))}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			// clean disconnect before any header bytes arrived: not a
			// framing error, just the end of the stream.
			return nil, err
		}
		// io.ErrUnexpectedEOF: some but not all of the length prefix
		// arrived before the stream closed.
		return nil, &FrameCodecError{Kind: FrameTruncated}
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxPayloadBytes {
		return nil, &FrameCodecError{Kind: FrameTooLarge, N: n}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &FrameCodecError{Kind: FrameTruncated, N: n}
	}
	return payload, nil
}
