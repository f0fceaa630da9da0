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
	// stateDirPerm is the permission mode for the state directory (~/.editor-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	instancesBucket = []byte("instances")
	tokenKey        = []byte("token")
)

func profileBucket(profile string) []byte {
	return []byte("profile:" + profile + ":meta")
}

// ProfileState holds the sync cursor for a single profile. LastUpdate is
// the remote version persisted after the most recent successful handler;
// zero means this client has never completed a sync for the profile.
type ProfileState struct {
	LastUpdate int64 `json:"lastUpdate"`
	LastSyncAt int64 `json:"lastSyncAt"`
}

// Instance describes one registered editor-sync process. Liveness is
// decided from HeartbeatAt, not PID, so a crashed process ages out on
// its own.
type Instance struct {
	ID          string `json:"id"`
	PID         int    `json:"pid"`
	Hostname    string `json:"hostname"`
	Device      string `json:"device"`
	StartedAt   int64  `json:"startedAt"`
	HeartbeatAt int64  `json:"heartbeatAt"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.editor-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(instancesBucket)

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

// Token returns the cached remote auth token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		v := b.Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the remote auth token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// GetProfile returns the sync cursor for a profile, defaulting to a zero
// cursor (never synced).
func (s *State) GetProfile(profile string) (ProfileState, error) {
	var ps ProfileState

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(profileBucket(profile))
		if b == nil {
			return nil
		}

		v := b.Get([]byte("state"))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &ps)
	})

	return ps, err
}

// SetProfile updates the sync cursor for a profile.
func (s *State) SetProfile(profile string, ps ProfileState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(profileBucket(profile))
		if err != nil {
			return err
		}

		data, err := json.Marshal(ps)
		if err != nil {
			return err
		}

		return b.Put([]byte("state"), data)
	})
}

// Register persists an instance record. Overwrites any existing record
// with the same ID, so re-registering after a crash is safe.
func (s *State) Register(inst Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}

		return tx.Bucket(instancesBucket).Put([]byte(inst.ID), data)
	})
}

// Heartbeat refreshes the liveness timestamp for a registered instance.
// Unknown IDs are a no-op; the instance may have been unregistered by a
// concurrent shutdown path.
func (s *State) Heartbeat(id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var inst Instance
		if err := json.Unmarshal(v, &inst); err != nil {
			return err
		}

		inst.HeartbeatAt = at.UnixMilli()

		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// Unregister removes an instance record. Safe to call for unknown IDs.
func (s *State) Unregister(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(instancesBucket).Delete([]byte(id))
	})
}

// ListInstances returns all registered instance records, including stale
// ones. Callers filter by heartbeat age.
func (s *State) ListInstances() ([]Instance, error) {
	var instances []Instance

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)

		return b.ForEach(func(k, v []byte) error {
			var inst Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}

			instances = append(instances, inst)

			return nil
		})
	})

	return instances, err
}

// LiveInstances returns instances whose heartbeat is within ttl of now,
// and prunes the rest so the bucket does not accumulate crashed entries.
func (s *State) LiveInstances(now time.Time, ttl time.Duration) ([]Instance, error) {
	cutoff := now.Add(-ttl).UnixMilli()

	var live []Instance

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var inst Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}

			if inst.HeartbeatAt < cutoff {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)

				return nil
			}

			live = append(live, inst)

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})

	return live, err
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing the remote token) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".editor-sync", "state.db")
}
