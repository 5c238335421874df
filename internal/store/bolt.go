package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketProbes      = []byte("probes")
	bucketCampaigns   = []byte("campaigns")
	bucketCampaignIDs = []byte("campaign_ids")
)

var _ Store = (*BoltStore)(nil)

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
		for _, b := range [][]byte{bucketProbes, bucketCampaigns, bucketCampaignIDs} {
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

// SaveCampaign stores c. Saving an ID again replaces the record in place
// and keeps its position in history.
func (s *BoltStore) SaveCampaign(c *CampaignRecord) error {
	if c.ID == "" {
		return fmt.Errorf("save campaign: empty id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		ids := tx.Bucket(bucketCampaignIDs)
		if b == nil || ids == nil {
			return fmt.Errorf("bucket %q not found", bucketCampaigns)
		}

		key := ids.Get([]byte(c.ID))
		if key == nil {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key = seqKey(seq)
			if err := ids.Put([]byte(c.ID), key); err != nil {
				return err
			}
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetCampaign(id string) (*CampaignRecord, error) {
	var c CampaignRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		ids := tx.Bucket(bucketCampaignIDs)
		if b == nil || ids == nil {
			return fmt.Errorf("bucket %q not found", bucketCampaigns)
		}
		key := ids.Get([]byte(id))
		if key == nil {
			return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListCampaigns(limit int) ([]*CampaignRecord, error) {
	var list []*CampaignRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b == nil {
			return nil // no bucket = no history
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(list) >= limit {
				break
			}
			var rec CampaignRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			list = append(list, &rec)
		}
		return nil
	})
	return list, err
}

func (s *BoltStore) ConfirmedSerials() ([]string, error) {
	var serials []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProbes)
		if b == nil {
			return nil
		}
		serials = make([]string, 0, b.Stats().KeyN)
		return b.ForEach(func(k, _ []byte) error {
			serials = append(serials, string(k))
			return nil
		})
	})
	return serials, err
}

func (s *BoltStore) SaveConfirmed(serial, port string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProbes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketProbes)
		}
		data, err := json.Marshal(ProbeRecord{Serial: serial, Port: port, ConfirmedAt: time.Now()})
		if err != nil {
			return err
		}
		return b.Put([]byte(serial), data)
	})
}

func (s *BoltStore) DeleteConfirmed(serial string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProbes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketProbes)
		}
		return b.Delete([]byte(serial))
	})
}

func (s *BoltStore) GetProbe(serial string) (*ProbeRecord, error) {
	var rec ProbeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProbes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketProbes)
		}
		data := b.Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("probe %s: %w", serial, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// seqKey encodes a bucket sequence so keys sort in insertion order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
