package data

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	payload := []byte("transfer 10 from a to b")
	m := &Message{
		Type:   TypePropose,
		Seq:    42,
		View:   2,
		Sender: 3,
		Proxy:  100,
		Data:   payload,
		Hash:   HashOf(payload),
		Token:  []byte{1, 2, 3},
	}

	raw, err := EncodeMessage(m)
	require.NoError(t, err)
	got, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestEnvelopeFraming(t *testing.T) {
	a, err := EncodeMessage(&Message{Type: TypePrepare, Seq: 1, Sender: 1})
	require.NoError(t, err)
	b, err := EncodeMessage(&Message{Type: TypeCommit, Seq: 1, Sender: 2})
	require.NoError(t, err)

	raw, err := EncodeEnvelope(&Envelope{Items: [][]byte{a, b}})
	require.NoError(t, err)

	// Two envelopes back to back on one stream decode independently.
	stream := bytes.NewReader(append(append([]byte(nil), raw...), raw...))
	for i := 0; i < 2; i++ {
		env, err := ReadEnvelope(stream)
		require.NoError(t, err)
		require.Len(t, env.Items, 2)
		m, err := DecodeMessage(env.Items[1])
		require.NoError(t, err)
		assert.Equal(t, TypeCommit, m.Type)
	}

	_, err = ReadEnvelope(stream)
	assert.Equal(t, io.EOF, err, "clean end of stream is a plain EOF")
}

func TestReadEnvelopeRejectsBadFrames(t *testing.T) {
	var huge [4]byte
	binary.BigEndian.PutUint32(huge[:], maxEnvelopeSize+1)
	_, err := ReadEnvelope(bytes.NewReader(huge[:]))
	assert.Error(t, err)

	_, err = ReadEnvelope(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.Error(t, err)

	// Truncated body is an error, not EOF.
	raw, err := EncodeEnvelope(&Envelope{Items: [][]byte{{1}}})
	require.NoError(t, err)
	_, err = ReadEnvelope(bytes.NewReader(raw[:len(raw)-1]))
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}
