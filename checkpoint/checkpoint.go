// checkpoint persists the state of a sequential analysis so that an
// interrupted run can be resumed.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// MAIN holds run metadata, TIMEPOINTS holds one record per processed
// timepoint.
var (
	MAIN       = []byte("main")
	TIMEPOINTS = []byte("timepoints")
	metaKey    = []byte("meta")
)

// ErrMismatch is returned when a store belongs to another analysis.
var ErrMismatch = errors.New("checkpoint belongs to another analysis")

// Meta describes the run owning a store.
type Meta struct {
	RunID     string    `json:"run_id"`
	PatientID string    `json:"patient_id"`
	Mode      string    `json:"mode"`
	Started   time.Time `json:"started"`
	Updated   time.Time `json:"updated"`
	Complete  bool      `json:"complete"`
}

// Record is the persisted outcome of a timepoint.
type Record struct {
	Index     int       `json:"index"`
	Timepoint string    `json:"timepoint"`
	Markers   []string  `json:"markers"`
	Status    string    `json:"status"`
	Used      []string  `json:"used,omitempty"`
	Skipped   []string  `json:"skipped,omitempty"`
	Weights   []float64 `json:"weights"`
	LogL      []float64 `json:"logL,omitempty"`
	Entropy   float64   `json:"entropy"`
	Saved     time.Time `json:"saved"`
}

// Store is a bbolt database of checkpoint records.
type Store struct {
	db   *bolt.DB
	path string
	meta *Meta
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint %s: %w", path, err)
	}
	s := &Store{db: db, path: path}
	b, err := LoadData(db, MAIN, metaKey)
	if err != nil {
		db.Close()
		return nil, err
	}
	if b != nil {
		s.meta = &Meta{}
		if err := json.Unmarshal(b, s.meta); err != nil {
			db.Close()
			return nil, fmt.Errorf("corrupt checkpoint metadata in %s: %w", path, err)
		}
	}
	return s, nil
}

// OpenReadOnly opens an existing store for inspection.
func OpenReadOnly(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint %s: %w", path, err)
	}
	s := &Store{db: db, path: path}
	if b, err := LoadData(db, MAIN, metaKey); err == nil && b != nil {
		s.meta = &Meta{}
		err = json.Unmarshal(b, s.meta)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file name.
func (s *Store) Path() string {
	return s.path
}

// Meta returns the run metadata, nil for a fresh store.
func (s *Store) Meta() *Meta {
	return s.meta
}

// Begin starts a run. With resume set, a previous run of the same
// patient and mode is continued and its run id kept; otherwise all
// records are dropped and a new run id is issued.
func (s *Store) Begin(patient, mode string, resume bool) (*Meta, error) {
	now := time.Now().UTC()
	if resume && s.meta != nil {
		if s.meta.PatientID != patient || s.meta.Mode != mode {
			return nil, fmt.Errorf("%w: %s/%s, expected %s/%s",
				ErrMismatch, s.meta.PatientID, s.meta.Mode, patient, mode)
		}
		log.Noticef("Resuming run %s (started %s)", s.meta.RunID, s.meta.Started.Format(time.RFC3339))
		s.meta.Updated = now
		s.meta.Complete = false
		return s.meta, s.saveMeta()
	}
	if s.meta != nil {
		log.Infof("Discarding checkpoint of run %s", s.meta.RunID)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(TIMEPOINTS) == nil {
			return nil
		}
		return tx.DeleteBucket(TIMEPOINTS)
	})
	if err != nil {
		return nil, err
	}
	s.meta = &Meta{
		RunID:     uuid.NewString(),
		PatientID: patient,
		Mode:      mode,
		Started:   now,
		Updated:   now,
	}
	return s.meta, s.saveMeta()
}

// Finish marks the run as complete.
func (s *Store) Finish() error {
	if s.meta == nil {
		return errors.New("checkpoint: run not started")
	}
	s.meta.Complete = true
	s.meta.Updated = time.Now().UTC()
	return s.saveMeta()
}

func (s *Store) saveMeta() error {
	b, err := json.Marshal(s.meta)
	if err != nil {
		return err
	}
	return SaveData(s.db, MAIN, metaKey, b)
}

func recordKey(i int) []byte {
	return []byte(fmt.Sprintf("%06d", i))
}

// Save stores the record of a timepoint, replacing an existing record
// with the same index.
func (s *Store) Save(rec *Record) error {
	if rec.Saved.IsZero() {
		rec.Saved = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		log.Error("Error serializing checkpoint", err)
		return err
	}
	if err := SaveData(s.db, TIMEPOINTS, recordKey(rec.Index), b); err != nil {
		log.Error("Error saving checkpoint", err)
		return err
	}
	if s.meta != nil {
		s.meta.Updated = rec.Saved
		return s.saveMeta()
	}
	return nil
}

// Records returns all records ordered by index.
func (s *Store) Records() ([]*Record, error) {
	var recs []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(TIMEPOINTS)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			rec := &Record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// Last returns the most recent record, or nil if there is none.
func (s *Store) Last() (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(TIMEPOINTS)
		if b == nil {
			return nil
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return nil
		}
		rec = &Record{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	if rec != nil {
		log.Noticef("Found checkpoint for timepoint %s (index=%d)", rec.Timepoint, rec.Index)
	}
	return rec, nil
}

// SaveData saves values in bolt database.
func SaveData(db *bolt.DB, bucket, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}

		err = b.Put(key, data)
		return err
	})
	return err
}

// LoadData loads data from bolt database.
func LoadData(db *bolt.DB, bucket, key []byte) ([]byte, error) {
	var data []byte
	if db == nil {
		return nil, nil
	}
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}

		// v is only valid during the transaction.
		if v := b.Get(key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
