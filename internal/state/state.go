// Package state caches session-level data that is not part of the
// per-file metadata document: the secondary endpoint's resume token, the
// primary endpoint identity, and counters from the last daemon run.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket = []byte("session")
	runsBucket    = []byte("runs")

	primaryIdentityKey = []byte("primary_identity")
	lastRunKey         = []byte("last")
)

func secondaryTokenKey(host string) []byte {
	return []byte("secondary:" + host)
}

// PrimaryIdentity is the account the primary endpoint token belongs to.
type PrimaryIdentity struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CheckedAt time.Time `json:"checked_at"`
}

// RunStats summarises one daemon run.
type RunStats struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Uploaded   int64     `json:"uploaded"`
	Failed     int64     `json:"failed"`
	Skipped    int64     `json:"skipped"`
	Bytes      int64     `json:"bytes"`
}

// State wraps a bbolt database for session-level state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(runsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SecondaryToken returns the cached resume token for a secondary host,
// or empty string.
func (s *State) SecondaryToken(host string) string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(secondaryTokenKey(host))
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetSecondaryToken persists the resume token for a secondary host.
func (s *State) SetSecondaryToken(host, token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(secondaryTokenKey(host), []byte(token))
	})
}

// ClearSecondaryToken drops a resume token the server no longer accepts.
func (s *State) ClearSecondaryToken(host string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(secondaryTokenKey(host))
	})
}

// PrimaryIdentity returns the cached primary identity, or nil.
func (s *State) PrimaryIdentity() (*PrimaryIdentity, error) {
	var id *PrimaryIdentity

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(primaryIdentityKey)
		if v == nil {
			return nil
		}

		id = &PrimaryIdentity{}

		return json.Unmarshal(v, id)
	})

	return id, err
}

// SetPrimaryIdentity caches the primary identity.
func (s *State) SetPrimaryIdentity(id PrimaryIdentity) error {
	return s.putJSON(sessionBucket, primaryIdentityKey, id)
}

// LastRun returns stats from the most recent run, or nil.
func (s *State) LastRun() (*RunStats, error) {
	var rs *RunStats

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(runsBucket).Get(lastRunKey)
		if v == nil {
			return nil
		}

		rs = &RunStats{}

		return json.Unmarshal(v, rs)
	})

	return rs, err
}

// SetLastRun stores stats for the run that just finished.
func (s *State) SetLastRun(rs RunStats) error {
	return s.putJSON(runsBucket, lastRunKey, rs)
}

func (s *State) putJSON(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}

		return tx.Bucket(bucket).Put(key, data)
	})
}
