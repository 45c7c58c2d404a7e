// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/mixclient/fragment"
)

const (
	inboxMetadataBucket = "metadata"
	inboxMessagesBucket = "messages"
	inboxIndexBucket    = "index"
	inboxVersionKey     = "version"
	inboxVersion        = 0
)

type inboxRecord struct {
	ID         fragment.SetID
	Payload    []byte
	ReceivedAt int64
}

// Inbox persists received messages until they are deleted.  Messages are
// kept in arrival order.
type Inbox struct {
	db *bolt.DB
}

// OpenInbox creates (or loads) the inbox in the file f.
func OpenInbox(f string) (*Inbox, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(inboxMetadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{inboxMessagesBucket, inboxIndexBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(inboxVersionKey)); b != nil {
			if len(b) != 1 || b[0] != inboxVersion {
				return fmt.Errorf("inbox: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(inboxVersionKey), []byte{inboxVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Inbox{db: db}, nil
}

// Put stores a message.  Storing a message ID twice is a no-op.
func (i *Inbox) Put(m *Message) error {
	rec, err := cbor.Marshal(&inboxRecord{
		ID:         m.ID,
		Payload:    m.Payload,
		ReceivedAt: m.ReceivedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(inboxIndexBucket))
		if idx.Get(m.ID[:]) != nil {
			return nil
		}
		msgs := tx.Bucket([]byte(inboxMessagesBucket))
		seq, err := msgs.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		if err := msgs.Put(key[:], rec); err != nil {
			return err
		}
		return idx.Put(m.ID[:], key[:])
	})
}

// List returns every stored message in arrival order.
func (i *Inbox) List() ([]*Message, error) {
	var out []*Message
	err := i.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(inboxMessagesBucket)).ForEach(func(k, v []byte) error {
			rec := new(inboxRecord)
			if err := cbor.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("inbox: corrupt record %x: %w", k, err)
			}
			out = append(out, &Message{
				ID:         rec.ID,
				Payload:    rec.Payload,
				ReceivedAt: time.Unix(0, rec.ReceivedAt),
			})
			return nil
		})
	})
	return out, err
}

// Delete removes a message, and returns true iff it was stored.
func (i *Inbox) Delete(id fragment.SetID) (bool, error) {
	found := false
	err := i.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(inboxIndexBucket))
		key := idx.Get(id[:])
		if key == nil {
			return nil
		}
		found = true
		if err := tx.Bucket([]byte(inboxMessagesBucket)).Delete(key); err != nil {
			return err
		}
		return idx.Delete(id[:])
	})
	return found, err
}

// Close syncs and closes the inbox.
func (i *Inbox) Close() error {
	i.db.Sync()
	return i.db.Close()
}
