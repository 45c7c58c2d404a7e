// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	sConstants "github.com/katzenpost/mixclient/core/sphinx/constants"
)

func newTestSealer(t *testing.T, fill byte, packetLength int) *Sealer {
	s, err := NewSealer(bytes.Repeat([]byte{fill}, KeyLength), packetLength)
	require.NoError(t, err)
	return s
}

func TestForwardRequest(t *testing.T) {
	s := newTestSealer(t, 0x01, 64)

	req := &ForwardRequest{Packet: bytes.Repeat([]byte{0xaa}, 64)}
	copy(req.FirstHop[:], "first hop")
	b, err := s.SealForwardRequest(req)
	require.NoError(t, err)

	got, err := s.OpenForwardRequest(b)
	require.NoError(t, err)
	require.Equal(t, req, got)

	// Nonces are random.
	b2, err := s.SealForwardRequest(req)
	require.NoError(t, err)
	require.NotEqual(t, b, b2)

	_, err = s.SealForwardRequest(&ForwardRequest{Packet: make([]byte, 63)})
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestForwardRequestErrors(t *testing.T) {
	s := newTestSealer(t, 0x01, 0)
	b, err := s.SealForwardRequest(&ForwardRequest{Packet: []byte("packet")})
	require.NoError(t, err)

	_, err = s.OpenForwardRequest(b[:10])
	require.ErrorIs(t, err, ErrTooShortRequest)

	tampered := append([]byte{}, b...)
	tampered[len(tampered)-1] ^= 0x80
	_, err = s.OpenForwardRequest(tampered)
	require.ErrorIs(t, err, ErrMalformedEncryption)

	_, err = newTestSealer(t, 0x02, 0).OpenForwardRequest(b)
	require.ErrorIs(t, err, ErrMalformedEncryption)

	// A frame sealed for the other direction does not authenticate.
	_, err = s.OpenPushedMessage(b)
	require.ErrorIs(t, err, ErrMalformedEncryption)

	// Authenticated garbage.
	garbage, err := s.seal(frameForward, "not a request")
	require.NoError(t, err)
	_, err = s.OpenForwardRequest(garbage)
	require.ErrorIs(t, err, ErrMalformedRequest)

	sized := newTestSealer(t, 0x01, 128)
	_, err = sized.OpenForwardRequest(b)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestPushedMessage(t *testing.T) {
	s := newTestSealer(t, 0x03, 0)

	d := &Delivery{Payload: []byte("forward payload")}
	b, err := s.SealPushedMessage(d)
	require.NoError(t, err)
	got, err := s.OpenPushedMessage(b)
	require.NoError(t, err)
	require.Nil(t, got.SURBID)
	require.Equal(t, d.Payload, got.Payload)

	d.SURBID = new([sConstants.SURBIDLength]byte)
	copy(d.SURBID[:], "surb id")
	b, err = s.SealPushedMessage(d)
	require.NoError(t, err)
	got, err = s.OpenPushedMessage(b)
	require.NoError(t, err)
	require.Equal(t, d, got)

	bad, err := s.seal(framePushed, &PushedMessage{SURBID: []byte{1, 2, 3}})
	require.NoError(t, err)
	_, err = s.OpenPushedMessage(bad)
	require.ErrorIs(t, err, ErrMalformedRequest)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, nil))
	require.NoError(t, writeFrame(&buf, []byte("frame")))
	require.ErrorIs(t, writeFrame(&buf, make([]byte, MaxFrameLength+1)), ErrInvalidSize)

	b, err := readFrame(&buf)
	require.NoError(t, err)
	require.Empty(t, b)
	b, err = readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("frame"), b)
	_, err = readFrame(&buf)
	require.Error(t, err)

	_, err = readFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	require.ErrorIs(t, err, ErrInvalidSize)
}
