package jobqueue

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ganeti-go/ganeti/pkg/types"
)

var (
	bucketJobs = []byte("jobs")
	bucketMeta = []byte("meta")
	keyMaxID   = []byte("max_id")
)

// indexRecord is the small, derived summary an index entry carries —
// enough to answer QueryJobs/countNonTerminal without opening the
// job's full JSON file.
type indexRecord struct {
	ID     int64          `json:"id"`
	Status types.JobStatus `json:"status"`
	EndTS  *time.Time     `json:"end_ts,omitempty"`
}

// index is the derived bbolt-backed job index It is never the source of truth: Queue.reconcileIndex rewrites
// its entries from the job files whenever its recorded max job ID
// disagrees with them.
type index struct {
	db *bolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketJobs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &index{db: db}, nil
}

func (idx *index) Close() error { return idx.db.Close() }

func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func (idx *index) put(job *types.Job) error {
	rec := indexRecord{ID: job.ID, Status: job.Status, EndTS: job.EndTS}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return idx.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketJobs).Put(idKey(job.ID), raw); err != nil {
			return err
		}
		return idx.bumpMaxIDLocked(tx, job.ID)
	})
}

func (idx *index) delete(id int64) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(idKey(id))
	})
}

func (idx *index) bumpMaxIDLocked(tx *bolt.Tx, id int64) error {
	cur := int64(0)
	if raw := tx.Bucket(bucketMeta).Get(keyMaxID); raw != nil {
		cur = int64(binary.BigEndian.Uint64(raw))
	}
	if id > cur {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(id))
		return tx.Bucket(bucketMeta).Put(keyMaxID, b)
	}
	return nil
}

func (idx *index) maxID() (int64, error) {
	var max int64
	err := idx.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyMaxID)
		if raw != nil {
			max = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return max, err
}

func (idx *index) setMaxID(id int64) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(id))
		return tx.Bucket(bucketMeta).Put(keyMaxID, b)
	})
}

// nextID allocates and persists the next monotonic job ID.
func (idx *index) nextID() (int64, error) {
	var next int64
	err := idx.db.Update(func(tx *bolt.Tx) error {
		cur := int64(0)
		if raw := tx.Bucket(bucketMeta).Get(keyMaxID); raw != nil {
			cur = int64(binary.BigEndian.Uint64(raw))
		}
		next = cur + 1
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(next))
		return tx.Bucket(bucketMeta).Put(keyMaxID, b)
	})
	return next, err
}

func (idx *index) countNonTerminal() (int, error) {
	count := 0
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var rec indexRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if !isTerminal(rec.Status) {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (idx *index) allIDs() ([]int64, error) {
	var ids []int64
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, _ []byte) error {
			ids = append(ids, int64(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	return ids, err
}
