package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLayouts = []byte("layouts")
	bucketAlerts  = []byte("alerts")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLayouts, bucketAlerts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// layoutKey builds the bucket key for a layout. Owner IDs never contain
// NUL, so the separator is unambiguous.
func layoutKey(ownerID, layoutID string) []byte {
	return []byte(ownerID + "\x00" + layoutID)
}

func ownerPrefix(ownerID string) []byte {
	return []byte(ownerID + "\x00")
}

func (s *BoltStore) SaveLayout(l *Layout) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLayouts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLayouts)
		}
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return b.Put(layoutKey(l.OwnerID, l.LayoutID), data)
	})
}

func (s *BoltStore) GetLayout(ownerID, layoutID string) (*Layout, error) {
	var l Layout
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLayouts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLayouts)
		}
		data := b.Get(layoutKey(ownerID, layoutID))
		if data == nil {
			return fmt.Errorf("layout %s/%s: %w", ownerID, layoutID, ErrNotFound)
		}
		return json.Unmarshal(data, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) DeleteLayout(ownerID, layoutID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLayouts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLayouts)
		}
		return b.Delete(layoutKey(ownerID, layoutID))
	})
}

func (s *BoltStore) ListLayouts(ownerID string) ([]*Layout, error) {
	var layouts []*Layout
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLayouts)
		if b == nil {
			return nil // no bucket = no layouts
		}
		c := b.Cursor()
		prefix := ownerPrefix(ownerID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var l Layout
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			layouts = append(layouts, &l)
		}
		return nil
	})
	return layouts, err
}

func (s *BoltStore) FindNode(ownerID, address string) (*SwitchNode, error) {
	var found *SwitchNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLayouts)
		if b == nil {
			return fmt.Errorf("node %s/%s: %w", ownerID, address, ErrNotFound)
		}
		c := b.Cursor()
		prefix := ownerPrefix(ownerID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var l Layout
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			for i := range l.Nodes {
				if l.Nodes[i].Address == address {
					n := l.Nodes[i]
					found = &n
					return nil
				}
			}
		}
		return fmt.Errorf("node %s/%s: %w", ownerID, address, ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *BoltStore) UpdateNodes(ownerID, address string, fn func(n *SwitchNode)) (int, error) {
	updated := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLayouts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLayouts)
		}
		c := b.Cursor()
		prefix := ownerPrefix(ownerID)
		now := time.Now()
		// Collect rewritten layouts first; Put during cursor iteration is
		// unsafe in bbolt.
		pending := make(map[string][]byte)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var l Layout
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			touched := false
			for i := range l.Nodes {
				if l.Nodes[i].Address == address {
					fn(&l.Nodes[i])
					touched = true
					updated++
				}
			}
			if !touched {
				continue
			}
			l.LastSaved = now
			data, err := json.Marshal(&l)
			if err != nil {
				return err
			}
			pending[string(k)] = data
		}
		for k, v := range pending {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (s *BoltStore) DevicesWithBroker() ([]Device, error) {
	var devices []Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLayouts)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var l Layout
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			for i := range l.Nodes {
				n := &l.Nodes[i]
				if n.BrokerURL == "" {
					continue
				}
				devices = append(devices, Device{
					OwnerID:    l.OwnerID,
					Address:    n.Address,
					SwitchName: n.SwitchName,
					BrokerURL:  n.BrokerURL,
					Username:   n.Username,
					Password:   n.Password,
				})
			}
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) AppendAlert(e *AlertEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAlerts)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(alertKey(seq), data)
	})
}

func (s *BoltStore) ListAlerts(ownerID string) ([]*AlertEntry, error) {
	var entries []*AlertEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e AlertEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.OwnerID != ownerID {
				return nil
			}
			entries = append(entries, &e)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) DeleteAlert(ownerID string, seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAlerts)
		}
		data := b.Get(alertKey(seq))
		if data == nil {
			return fmt.Errorf("alert %d: %w", seq, ErrNotFound)
		}
		var e AlertEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.OwnerID != ownerID {
			return fmt.Errorf("alert %d: %w", seq, ErrNotFound)
		}
		return b.Delete(alertKey(seq))
	})
}

func alertKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
