package cdb

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketStatus = []byte("status")

// BoltClient is a reference CDB implementation backed by bbolt, standing in
// for a real configuration database in tests and single-node deployments.
// Writes are applied synchronously against the local database but the
// callback is always delivered asynchronously, matching the opaque
// request/callback contract a networked CDB client would present.
type BoltClient struct {
	db *bolt.DB
}

// NewBoltClient opens (creating if necessary) a bbolt-backed CDB at
// <dataDir>/attrd-cdb.db.
func NewBoltClient(dataDir string) (*BoltClient, error) {
	path := filepath.Join(dataDir, "attrd-cdb.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cdb database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStatus)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cdb bucket: %w", err)
	}

	return &BoltClient{db: db}, nil
}

// storedValue is what's persisted per (peer id, attribute) key.
type storedValue struct {
	SetID string `json:"set_id"`
	KeyID string `json:"key_id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

func elementKey(e Element) []byte {
	return []byte(e.PeerID + "/" + e.Name)
}

// Write applies req against the bbolt database and reports OK on the
// callback once committed. It never fails the batch partway: either every
// element in req is applied, or none are and an error is returned.
func (c *BoltClient) Write(_ context.Context, req WriteRequest, cb Callback) (Tag, error) {
	tag := Tag(uuid.NewString())

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		for _, e := range req.Elements {
			if e.Delete {
				if err := b.Delete(elementKey(e)); err != nil {
					return err
				}
				continue
			}
			data, err := json.Marshal(storedValue{SetID: e.SetID, KeyID: e.KeyID, Name: e.Name, Value: e.Value})
			if err != nil {
				return err
			}
			if err := b.Put(elementKey(e), data); err != nil {
				return err
			}
		}
		return nil
	})

	if cb != nil {
		if err != nil {
			go cb(tag, ErrOther, err)
		} else {
			go cb(tag, OK, nil)
		}
	}

	return tag, err
}

// Get returns the persisted value for a (peer, attribute) pair, for tests
// and inspection tooling.
func (c *BoltClient) Get(peerID, name string) (string, bool, error) {
	var v storedValue
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		data := b.Get(elementKey(Element{PeerID: peerID, Name: name}))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &v)
	})
	return v.Value, found, err
}

// Close closes the underlying database.
func (c *BoltClient) Close() error {
	return c.db.Close()
}
