package wire

import (
	"fmt"
	"io"
)

// Envelope is a header + payload wrapper for a single frame transfer.
type Envelope struct {
	Header  Header
	Payload []byte
}

// HasFlag checks whether a flag is set.
func (e *Envelope) HasFlag(flag uint32) bool { return (e.Header.Flags & flag) != 0 }

// SetFlag sets/unsets a flag.
func (e *Envelope) SetFlag(flag uint32, on bool) {
	if on {
		e.Header.Flags |= flag
	} else {
		e.Header.Flags &^= flag
	}
}

// EncodeFrame returns header+payload as a single byte slice.
func (e *Envelope) EncodeFrame() ([]byte, error) {
	e.Header.PayloadLen = uint32(len(e.Payload))
	hb, err := e.Header.MarshalBinary()
	if err != nil { return nil, err }
	out := make([]byte, headerSize+len(e.Payload))
	copy(out, hb)
	copy(out[headerSize:], e.Payload)
	return out, nil
}

// DecodeFrame parses a single frame from buf.
func (e *Envelope) DecodeFrame(buf []byte) error {
	if len(buf) < headerSize {
		return io.ErrUnexpectedEOF
	}
	if err := e.Header.UnmarshalBinary(buf[:headerSize]); err != nil {
		return err
	}
	need := int(e.Header.PayloadLen)
	if headerSize+need > len(buf) {
		return io.ErrUnexpectedEOF
	}
	e.Payload = append(e.Payload[:0], buf[headerSize:headerSize+need]...)
	return nil
}

// NewRequest builds an envelope for a call of the given kind. The payload is
// the CBOR-encoded body; callID correlates the eventual reply.
func NewRequest(kind uint8, callID uint64, body any) (*Envelope, error) {
	b, err := MarshalBody(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", KindName(kind), err)
	}
	return &Envelope{Header: Header{Version: 1, Kind: kind, CallID: callID}, Payload: b}, nil
}

// NewReply builds a reply envelope mirroring the request's call id. A
// non-empty errText sets FlagError and ships the text as the payload.
func NewReply(callID uint64, body any, errText string) (*Envelope, error) {
	e := &Envelope{Header: Header{Version: 1, Kind: KindReply, CallID: callID}}
	if errText != "" {
		e.SetFlag(FlagError, true)
		e.Payload = []byte(errText)
		return e, nil
	}
	if body != nil {
		b, err := MarshalBody(body)
		if err != nil {
			return nil, fmt.Errorf("encode reply body: %w", err)
		}
		e.Payload = b
	}
	return e, nil
}

// ReplyError extracts the error text from a reply envelope, or "" if none.
func (e *Envelope) ReplyError() string {
	if e.HasFlag(FlagError) {
		return string(e.Payload)
	}
	return ""
}
