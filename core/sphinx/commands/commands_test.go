// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandBlock(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	delay := &NodeDelay{Delay: 0xdeadbeef}
	next := &NextNodeHop{}
	next.ID[0] = 0xa5
	next.MAC[15] = 0x5a
	rcpt := &Recipient{}
	rcpt.ID[31] = 0x01
	reply := &SURBReply{}
	reply.ID[0] = 0x42

	var b []byte
	for _, c := range []RoutingCommand{delay, next, rcpt, reply} {
		b = c.ToBytes(b)
	}
	require.Len(b, NodeDelayLength+NextNodeHopLength+RecipientLength+SURBReplyLength)
	b = append(b, make([]byte, 16)...)

	var parsed []RoutingCommand
	for {
		cmd, rest, err := FromBytes(b)
		require.NoError(err)
		if cmd == nil {
			break
		}
		parsed = append(parsed, cmd)
		b = rest
	}
	require.Equal([]RoutingCommand{delay, next, rcpt, reply}, parsed)
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, _, err := FromBytes([]byte{0x7f, 0x00})
	require.ErrorIs(err, ErrInvalidCommand)

	_, _, err = FromBytes([]byte{byte(nextNodeHop), 0x01, 0x02})
	require.ErrorIs(err, ErrInvalidCommand)

	_, _, err = FromBytes([]byte{byte(null), 0x00, 0x01})
	require.ErrorIs(err, ErrInvalidCommand)

	cmd, rest, err := FromBytes([]byte{byte(null), 0x00, 0x00})
	require.NoError(err)
	require.Nil(cmd)
	require.Nil(rest)
}
