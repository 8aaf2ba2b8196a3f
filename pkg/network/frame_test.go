package network

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x01},
		bytes.Repeat([]byte{0xab}, 1024),
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		require.NoError(t, writeFrame(&buf, p))
	}
	for _, want := range payloads {
		got, err := readFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, len(want), len(got))
		require.Equal(t, append([]byte{}, want...), got)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], MaxFrameSize+1)

	_, err := readFrame(bytes.NewReader(prefix[:]))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.Write([]byte{1, 2, 3})

	_, err := readFrame(&buf)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Zero(t, buf.Len())
}
