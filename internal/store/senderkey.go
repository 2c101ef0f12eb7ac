package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kryptoworx-io/kx-signal-cli/internal/protocol"
	"github.com/kryptoworx-io/kx-signal-cli/internal/sqlmap"
)

const colDistribution = "distribution"

// SenderKeyStore holds group sender key records per sending device and
// distribution id, plus the shared-with set recording which devices have
// already received a given distribution.
type SenderKeyStore struct {
	db     *sql.DB
	keys   *sqlmap.Table[string, *protocol.SenderKeyRecord]
	shared *sqlmap.Table[string, []byte]
	log    *slog.Logger
	merged *MergeMap

	mu sync.Mutex
}

func newSenderKeyStore(db *sql.DB, merged *MergeMap, log *slog.Logger) (*SenderKeyStore, error) {
	keys, err := sqlmap.New(db, "sender_keys",
		sqlmap.Column{Name: "key", Type: "TEXT"},
		[]sqlmap.Column{
			{Name: colRecipient, Type: "INTEGER"},
			{Name: colDistribution, Type: "TEXT"},
		},
		sqlmap.FuncCodec[string, *protocol.SenderKeyRecord]{
			MarshalFunc: func(_ string, r *protocol.SenderKeyRecord) ([]byte, error) {
				return r.Serialize(), nil
			},
			UnmarshalFunc: func(_ string, data []byte) (*protocol.SenderKeyRecord, error) {
				return protocol.DeserializeSenderKeyRecord(data)
			},
		})
	if err != nil {
		return nil, err
	}
	shared, err := sqlmap.New(db, "sender_keys_shared",
		sqlmap.Column{Name: "key", Type: "TEXT"},
		[]sqlmap.Column{
			{Name: colDistribution, Type: "TEXT"},
			{Name: colRecipient, Type: "INTEGER"},
		},
		sqlmap.BytesCodec[string]{})
	if err != nil {
		return nil, err
	}
	return &SenderKeyStore{db: db, keys: keys, shared: shared, log: log, merged: merged}, nil
}

func senderKeyKey(id RecipientId, deviceID uint32, distributionID uuid.UUID) string {
	return fmt.Sprintf("%d.%d.%s", id, deviceID, distributionID)
}

func sharedWithKey(distributionID uuid.UUID, id RecipientId, deviceID uint32) string {
	return fmt.Sprintf("%s.%d.%d", distributionID, id, deviceID)
}

// LoadSenderKey returns the stored record, or nil when none exists.
func (s *SenderKeyStore) LoadSenderKey(id RecipientId, deviceID uint32, distributionID uuid.UUID) (*protocol.SenderKeyRecord, error) {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.keys.Get(senderKeyKey(id, deviceID, distributionID))
	if err != nil || !ok {
		return nil, err
	}
	return rec, nil
}

// StoreSenderKey persists the record for the sending device and
// distribution.
func (s *SenderKeyStore) StoreSenderKey(id RecipientId, deviceID uint32, distributionID uuid.UUID, rec *protocol.SenderKeyRecord) error {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.keys.Put(senderKeyKey(id, deviceID, distributionID), rec,
		int64(id), distributionID.String())
}

// IsSharedWith reports whether the distribution has already been sent to
// the device.
func (s *SenderKeyStore) IsSharedWith(distributionID uuid.UUID, id RecipientId, deviceID uint32) (bool, error) {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shared.Contains(sharedWithKey(distributionID, id, deviceID))
}

// MarkSharedWith records that the distribution has been sent to the
// devices.
func (s *SenderKeyStore) MarkSharedWith(distributionID uuid.UUID, id RecipientId, deviceIDs ...uint32) error {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	return sqlmap.Transact(s.db, func(tx *sql.Tx) error {
		for _, deviceID := range deviceIDs {
			key := sharedWithKey(distributionID, id, deviceID)
			if err := s.shared.PutTx(tx, key, nil, distributionID.String(), int64(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearSharedWith forgets that anything was shared with the recipient, so
// the next group send re-distributes sender keys to it.
func (s *SenderKeyStore) ClearSharedWith(id RecipientId) error {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shared.RemoveByIndex(colRecipient, int64(id))
}

// RotateSenderKeys drops the recipient's own sender key records and the
// shared-with entries pointing at it. Used after a member leaves a group.
func (s *SenderKeyStore) RotateSenderKeys(id RecipientId) error {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	return sqlmap.Transact(s.db, func(tx *sql.Tx) error {
		if err := s.keys.RemoveByIndexTx(tx, colRecipient, int64(id)); err != nil {
			return err
		}
		return s.shared.RemoveByIndexTx(tx, colRecipient, int64(id))
	})
}

// mergeRecipientsTx re-keys all sender key rows and shared-with entries of
// the absorbed recipient to the survivor. Duplicates collapse on the
// re-keyed primary key.
func (s *SenderKeyStore) mergeRecipientsTx(tx *sql.Tx, survivor, absorbed RecipientId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyRows, err := s.keys.KeysByIndexTx(tx, colRecipient, int64(absorbed))
	if err != nil {
		return err
	}
	for _, key := range keyRows {
		var deviceID uint32
		var distribution uuid.UUID
		if err := parseSenderKeyKey(key, absorbed, &deviceID, &distribution); err != nil {
			return err
		}
		rec, ok, err := s.keys.GetTx(tx, key)
		if err != nil {
			return err
		}
		if err := s.keys.RemoveTx(tx, key); err != nil {
			return err
		}
		if !ok {
			continue
		}
		newKey := senderKeyKey(survivor, deviceID, distribution)
		if err := s.keys.PutTx(tx, newKey, rec, int64(survivor), distribution.String()); err != nil {
			return err
		}
	}

	sharedRows, err := s.shared.KeysByIndexTx(tx, colRecipient, int64(absorbed))
	if err != nil {
		return err
	}
	for _, key := range sharedRows {
		var deviceID uint32
		var distribution uuid.UUID
		if err := parseSharedWithKey(key, absorbed, &deviceID, &distribution); err != nil {
			return err
		}
		if err := s.shared.RemoveTx(tx, key); err != nil {
			return err
		}
		newKey := sharedWithKey(distribution, survivor, deviceID)
		if err := s.shared.PutTx(tx, newKey, nil, distribution.String(), int64(survivor)); err != nil {
			return err
		}
	}
	return nil
}

func parseSenderKeyKey(key string, id RecipientId, deviceID *uint32, distribution *uuid.UUID) error {
	var gotID int64
	var dist string
	if _, err := fmt.Sscanf(key, "%d.%d.%s", &gotID, deviceID, &dist); err != nil || RecipientId(gotID) != id {
		return fmt.Errorf("store: bad sender key row %q", key)
	}
	u, err := uuid.Parse(dist)
	if err != nil {
		return fmt.Errorf("store: bad sender key row %q: %w", key, err)
	}
	*distribution = u
	return nil
}

func parseSharedWithKey(key string, id RecipientId, deviceID *uint32, distribution *uuid.UUID) error {
	if len(key) < 37 {
		return fmt.Errorf("store: bad shared-with row %q", key)
	}
	u, err := uuid.Parse(key[:36])
	if err != nil {
		return fmt.Errorf("store: bad shared-with row %q: %w", key, err)
	}
	var gotID int64
	if _, err := fmt.Sscanf(key[37:], "%d.%d", &gotID, deviceID); err != nil || RecipientId(gotID) != id {
		return fmt.Errorf("store: bad shared-with row %q", key)
	}
	*distribution = u
	return nil
}

func (s *SenderKeyStore) invalidateRecipient(RecipientId) {}
