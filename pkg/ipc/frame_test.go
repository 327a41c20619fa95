package ipc

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripBothCodecs(t *testing.T) {
	for _, binary := range []bool{true, false} {
		var buf bytes.Buffer
		codec := NewCodec(binary)

		msg := &Message{Type: TypeReady}
		require.NoError(t, WriteFrame(&buf, codec, msg))

		// the receiver picks the codec from the frame tag alone
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, TypeReady, got.Type)
	}
}

func TestFrameInterleavedCodecs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, NewCodec(true), &Message{Type: TypeReady}))
	require.NoError(t, WriteFrame(&buf, NewCodec(false), &Message{Type: TypeShutdown}))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeReady, first.Type)

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeShutdown, second.Type)
}

func TestReadFrameEOFOnClosedChannel(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameEOFOnTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{tagBinary, 0}))
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameRejectsUnknownTag(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{'X', 0, 0, 0, 0}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown frame tag")
}
