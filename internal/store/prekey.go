package store

import (
	"database/sql"
	"sync"

	"github.com/kryptoworx-io/kx-signal-cli/internal/protocol"
	"github.com/kryptoworx-io/kx-signal-cli/internal/sqlmap"
)

// PreKeyStore holds one-time and signed pre-key records, keyed by key id.
// Pre-keys are account state, not recipient state, so the store takes no
// part in merges.
type PreKeyStore struct {
	keys   *sqlmap.Table[int64, *protocol.PreKeyRecord]
	signed *sqlmap.Table[int64, *protocol.SignedPreKeyRecord]

	mu sync.Mutex
}

func newPreKeyStore(db *sql.DB) (*PreKeyStore, error) {
	keys, err := sqlmap.New(db, "pre_keys",
		sqlmap.Column{Name: "id", Type: "INTEGER"}, nil,
		sqlmap.FuncCodec[int64, *protocol.PreKeyRecord]{
			MarshalFunc: func(_ int64, r *protocol.PreKeyRecord) ([]byte, error) {
				return r.Serialize(), nil
			},
			UnmarshalFunc: func(_ int64, data []byte) (*protocol.PreKeyRecord, error) {
				return protocol.DeserializePreKeyRecord(data)
			},
		})
	if err != nil {
		return nil, err
	}
	signed, err := sqlmap.New(db, "signed_pre_keys",
		sqlmap.Column{Name: "id", Type: "INTEGER"}, nil,
		sqlmap.FuncCodec[int64, *protocol.SignedPreKeyRecord]{
			MarshalFunc: func(_ int64, r *protocol.SignedPreKeyRecord) ([]byte, error) {
				return r.Serialize(), nil
			},
			UnmarshalFunc: func(_ int64, data []byte) (*protocol.SignedPreKeyRecord, error) {
				return protocol.DeserializeSignedPreKeyRecord(data)
			},
		})
	if err != nil {
		return nil, err
	}
	return &PreKeyStore{keys: keys, signed: signed}, nil
}

// LoadPreKey returns the one-time pre-key, or nil when none is stored.
func (s *PreKeyStore) LoadPreKey(id uint32) (*protocol.PreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok, err := s.keys.Get(int64(id))
	if err != nil || !ok {
		return nil, err
	}
	return rec, nil
}

// StorePreKey persists a one-time pre-key.
func (s *PreKeyStore) StorePreKey(id uint32, rec *protocol.PreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys.Put(int64(id), rec)
}

// RemovePreKey deletes a one-time pre-key, typically after its single use.
func (s *PreKeyStore) RemovePreKey(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys.Remove(int64(id))
}

// RemoveAllPreKeys deletes all one-time pre-keys.
func (s *PreKeyStore) RemoveAllPreKeys() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys.RemoveAll()
}

// CountPreKeys returns the number of stored one-time pre-keys.
func (s *PreKeyStore) CountPreKeys() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys.Count()
}

// LoadSignedPreKey returns the signed pre-key, or nil when none is stored.
func (s *PreKeyStore) LoadSignedPreKey(id uint32) (*protocol.SignedPreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok, err := s.signed.Get(int64(id))
	if err != nil || !ok {
		return nil, err
	}
	return rec, nil
}

// StoreSignedPreKey persists a signed pre-key.
func (s *PreKeyStore) StoreSignedPreKey(id uint32, rec *protocol.SignedPreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signed.Put(int64(id), rec)
}

// SignedPreKeys returns all stored signed pre-keys.
func (s *PreKeyStore) SignedPreKeys() ([]*protocol.SignedPreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signed.Scan()
}

// RemoveAllSignedPreKeys deletes all signed pre-keys.
func (s *PreKeyStore) RemoveAllSignedPreKeys() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signed.RemoveAll()
}
