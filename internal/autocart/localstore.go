package autocart

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LocalStore is a durable string slot store, one value per key.
type LocalStore interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

// levelStore keeps slots on the shared leveldb under the kv: prefix.
// Writes are synced to disk before returning.
type levelStore struct {
	db *leveldb.DB
}

func newLevelStore(db *leveldb.DB) *levelStore {
	return &levelStore{db: db}
}

var syncWrite = &opt.WriteOptions{Sync: true}

func (s *levelStore) GetItem(key string) (string, bool, error) {
	b, err := s.db.Get([]byte(slotPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (s *levelStore) SetItem(key, value string) error {
	return s.db.Put([]byte(slotPrefix+key), []byte(value), syncWrite)
}

func (s *levelStore) RemoveItem(key string) error {
	return s.db.Delete([]byte(slotPrefix+key), syncWrite)
}
