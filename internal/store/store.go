package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vitaminmoo/glowswitch/internal/config"

	"github.com/boltdb/bolt"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound          = errors.New("entry not found")
	ErrAlreadyConfigured = errors.New("already configured")
)

var (
	entriesBucket = []byte("entries")
	powerBucket   = []byte("power")
)

// Entry is a configured device.
type Entry struct {
	ID         string    `json:"id"`
	UniqueID   string    `json:"unique_id"`
	Title      string    `json:"title"`
	Address    string    `json:"address"`
	DeviceType string    `json:"device_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// PowerRecord is the last successfully written power state of an entry.
type PowerRecord struct {
	On        bool      `json:"on"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists entries and power records in a bolt database.
type Store struct {
	db   *bolt.DB
	path string
}

// NewEntry builds an entry with a fresh ID. The unique ID is the upper-case
// address.
func NewEntry(title, address, deviceType string) Entry {
	addr := strings.ToUpper(strings.TrimSpace(address))
	return Entry{
		ID:         ulid.Make().String(),
		UniqueID:   addr,
		Title:      title,
		Address:    addr,
		DeviceType: deviceType,
		CreatedAt:  time.Now().UTC(),
	}
}

// DefaultPath returns the default database path (~/.glowswitch/glowswitch.db).
func DefaultPath() (string, error) {
	dir, err := config.DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "glowswitch.db"), nil
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, powerBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise store: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// OpenDefault opens the store at the default path.
func OpenDefault() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores e. Only one entry may exist per unique ID.
func (s *Store) Add(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry has no ID")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		exists, err := hasUniqueID(b, e.UniqueID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrAlreadyConfigured, e.UniqueID)
		}
		return b.Put([]byte(e.ID), data)
	})
}

// Remove deletes the entry and its power record.
func (s *Store) Remove(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(powerBucket).Delete([]byte(id))
	})
}

// Get returns the entry with the given ID.
func (s *Store) Get(id string) (Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(entriesBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &e)
	})
	return e, err
}

// FindByAddress returns the entry for a device address.
func (s *Store) FindByAddress(address string) (Entry, error) {
	want := strings.ToUpper(strings.TrimSpace(address))
	entries, err := s.List()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Address == want {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, address)
}

// Resolve looks ref up as an entry ID, then as an address.
func (s *Store) Resolve(ref string) (Entry, error) {
	e, err := s.Get(ref)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return e, err
	}
	return s.FindByAddress(ref)
}

// List returns all entries, oldest first.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode entry: %w", err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// HasUniqueID reports whether an entry with the unique ID exists.
func (s *Store) HasUniqueID(uniqueID string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		exists, err = hasUniqueID(tx.Bucket(entriesBucket), uniqueID)
		return err
	})
	return exists, err
}

// UniqueIDs returns the unique IDs of all entries.
func (s *Store) UniqueIDs() ([]string, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UniqueID)
	}
	return ids, nil
}

// SavePower records the last successfully written state of an entry.
func (s *Store) SavePower(id string, on bool) error {
	data, err := json.Marshal(PowerRecord{On: on, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(entriesBucket).Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return tx.Bucket(powerBucket).Put([]byte(id), data)
	})
}

// LoadPower returns the power record of an entry. ok is false if none has
// been saved.
func (s *Store) LoadPower(id string) (rec PowerRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(powerBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &rec)
	})
	return rec, ok, err
}

func hasUniqueID(b *bolt.Bucket, uniqueID string) (bool, error) {
	found := false
	err := b.ForEach(func(_, v []byte) error {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if e.UniqueID == uniqueID {
			found = true
		}
		return nil
	})
	return found, err
}
