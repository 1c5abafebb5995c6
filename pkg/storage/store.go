// Package storage persists Server and Schedule state to BoltDB, adapted
// from the teacher's pkg/storage/boltdb.go bucket-per-entity-type CRUD
// pattern (one bucket per Warren entity) down to two buckets here: servers
// and schedules keyed "{serverUUID}/{scheduleID}".
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/warden/pkg/types"
)

var (
	bucketServers   = []byte("servers")
	bucketSchedules = []byte("schedules")
)

// Store wraps a BoltDB handle.
type Store struct {
	db *bolt.DB
}

// Open creates/opens "{dataDir}/warden.db" and ensures both buckets exist.
func Open(dataDir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "warden.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketServers); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// PutServer upserts a server record.
func (s *Store) PutServer(server *types.Server) error {
	data, err := json.Marshal(server)
	if err != nil {
		return fmt.Errorf("marshal server: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).Put([]byte(server.UUID), data)
	})
}

// GetServer fetches a server by UUID.
func (s *Store) GetServer(uuid string) (*types.Server, error) {
	var server types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServers).Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("server %s not found", uuid)
		}
		return json.Unmarshal(data, &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

// ListServers returns every persisted server.
func (s *Store) ListServers() ([]*types.Server, error) {
	var servers []*types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(_, data []byte) error {
			var server types.Server
			if err := json.Unmarshal(data, &server); err != nil {
				return err
			}
			servers = append(servers, &server)
			return nil
		})
	})
	return servers, err
}

// DeleteServer removes a server record and its schedules.
func (s *Store) DeleteServer(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketServers).Delete([]byte(uuid)); err != nil {
			return err
		}
		b := tx.Bucket(bucketSchedules)
		c := b.Cursor()
		prefix := []byte(uuid + "/")
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func scheduleKey(serverUUID, scheduleID string) []byte {
	return []byte(serverUUID + "/" + scheduleID)
}

// PutSchedule upserts a schedule belonging to serverUUID.
func (s *Store) PutSchedule(serverUUID string, sched *types.Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put(scheduleKey(serverUUID, sched.ID), data)
	})
}

// ListSchedules returns every schedule belonging to serverUUID.
func (s *Store) ListSchedules(serverUUID string) ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	prefix := []byte(serverUUID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSchedules).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var sched types.Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}
			schedules = append(schedules, &sched)
		}
		return nil
	})
	return schedules, err
}

// DeleteSchedule removes one schedule.
func (s *Store) DeleteSchedule(serverUUID, scheduleID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete(scheduleKey(serverUUID, scheduleID))
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
