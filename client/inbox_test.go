// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/mixclient/fragment"
)

func TestInbox(t *testing.T) {
	f := filepath.Join(t.TempDir(), "inbox.db")
	inbox, err := OpenInbox(f)
	require.NoError(t, err)

	now := time.Unix(1700000000, 42)
	msgs := []*Message{
		{ID: fragment.SetID{3}, Payload: []byte("first"), ReceivedAt: now},
		{ID: fragment.SetID{1}, Payload: []byte("second"), ReceivedAt: now.Add(time.Second)},
		{ID: fragment.SetID{2}, Payload: []byte{}, ReceivedAt: now.Add(2 * time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, inbox.Put(m))
	}
	require.NoError(t, inbox.Put(msgs[0]))

	stored, err := inbox.List()
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, m := range stored {
		require.Equal(t, msgs[i].ID, m.ID)
		require.Equal(t, len(msgs[i].Payload), len(m.Payload))
		require.True(t, msgs[i].ReceivedAt.Equal(m.ReceivedAt))
	}

	ok, err := inbox.Delete(msgs[1].ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = inbox.Delete(msgs[1].ID)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, inbox.Close())

	inbox, err = OpenInbox(f)
	require.NoError(t, err)
	defer inbox.Close()
	stored, err = inbox.List()
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, msgs[0].ID, stored[0].ID)
	require.Equal(t, []byte("first"), stored[0].Payload)
	require.Equal(t, msgs[2].ID, stored[1].ID)

	// A deleted message may be stored again.
	require.NoError(t, inbox.Put(msgs[1]))
	stored, err = inbox.List()
	require.NoError(t, err)
	require.Len(t, stored, 3)
	require.Equal(t, msgs[1].ID, stored[2].ID)
}

func TestInboxVersion(t *testing.T) {
	f := filepath.Join(t.TempDir(), "inbox.db")
	db, err := bolt.Open(f, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucket([]byte(inboxMetadataBucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(inboxVersionKey), []byte{inboxVersion + 1})
	}))
	require.NoError(t, db.Close())

	_, err = OpenInbox(f)
	require.Error(t, err)

	_, err = OpenInbox(filepath.Join(t.TempDir(), "missing", "inbox.db"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
