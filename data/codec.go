package data

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

const maxEnvelopeSize = 64 << 20

// Envelope is the wire unit the delivery layer transmits: one drain
// cycle's worth of messages for a single destination.
type Envelope struct {
	Items [][]byte
}

// EncodeMessage serializes a single protocol message.
func EncodeMessage(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses a message previously produced by EncodeMessage.
func DecodeMessage(raw []byte) (*Message, error) {
	m := new(Message)
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// EncodeEnvelope frames env as a length-prefixed gob blob ready for a
// stream transport.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(env); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out, nil
}

// ReadEnvelope reads one framed envelope off a stream. io.EOF is
// returned unchanged when the stream ends on a frame boundary.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read envelope header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > maxEnvelopeSize {
		return nil, fmt.Errorf("bad envelope size %d", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read envelope body: %w", err)
	}
	env := new(Envelope)
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
