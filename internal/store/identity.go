package store

import (
	"bytes"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/kryptoworx-io/kx-signal-cli/internal/sqlmap"
)

// TrustLevel classifies a stored identity key.
type TrustLevel int

const (
	TrustedVerified TrustLevel = iota
	TrustedUnverified
	Untrusted
)

// IsTrusted reports whether the protocol layer may communicate under this
// trust level.
func (t TrustLevel) IsTrusted() bool {
	return t == TrustedVerified || t == TrustedUnverified
}

func (t TrustLevel) String() string {
	switch t {
	case TrustedVerified:
		return "trusted-verified"
	case TrustedUnverified:
		return "trusted-unverified"
	default:
		return "untrusted"
	}
}

// TrustNewIdentity is the policy for keys seen for the first time, fixed
// when the store is constructed.
type TrustNewIdentity int

const (
	TrustOnFirstUse TrustNewIdentity = iota
	TrustAlways
	TrustNever
)

// IdentityRecord is the one identity key stored per recipient.
type IdentityRecord struct {
	RecipientID RecipientId
	Key         []byte
	Trust       TrustLevel
	Added       time.Time
}

// IdentityKeyStore holds remote identity keys and their trust decisions.
type IdentityKeyStore struct {
	db     *sql.DB
	table  *sqlmap.Table[int64, *IdentityRecord]
	log    *slog.Logger
	merged *MergeMap
	policy TrustNewIdentity

	mu sync.Mutex
}

func newIdentityKeyStore(db *sql.DB, merged *MergeMap, policy TrustNewIdentity, log *slog.Logger) (*IdentityKeyStore, error) {
	table, err := sqlmap.New(db, "identities",
		sqlmap.Column{Name: "id", Type: "INTEGER"}, nil,
		sqlmap.FuncCodec[int64, *IdentityRecord]{
			MarshalFunc:   marshalIdentity,
			UnmarshalFunc: unmarshalIdentity,
		})
	if err != nil {
		return nil, err
	}
	return &IdentityKeyStore{db: db, table: table, log: log, merged: merged, policy: policy}, nil
}

// SaveIdentity stores an identity key for a recipient and reports whether
// stored state changed. A re-seen identical key is a no-op that leaves the
// trust level alone.
func (s *IdentityKeyStore) SaveIdentity(id RecipientId, key []byte, added time.Time) (bool, error) {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.table.Get(int64(id))
	if err != nil {
		return false, err
	}
	if ok && bytes.Equal(existing.Key, key) {
		return false, nil
	}

	trust := Untrusted
	if s.policy == TrustAlways || (s.policy == TrustOnFirstUse && !ok) {
		trust = TrustedUnverified
	}
	s.log.Debug("storing new identity", "recipient", id, "trust", trust)
	rec := &IdentityRecord{RecipientID: id, Key: key, Trust: trust, Added: added}
	if err := s.table.Put(int64(id), rec); err != nil {
		return false, err
	}
	return true, nil
}

// SetTrustLevel updates the trust of the stored key without touching the
// key or its added date. It reports false without changing anything when
// the stored key differs from the one the caller inspected.
func (s *IdentityKeyStore) SetTrustLevel(id RecipientId, key []byte, trust TrustLevel) (bool, error) {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.table.Get(int64(id))
	if err != nil {
		return false, err
	}
	if !ok || !bytes.Equal(existing.Key, key) {
		return false, nil
	}
	existing.Trust = trust
	if err := s.table.Put(int64(id), existing); err != nil {
		return false, err
	}
	return true, nil
}

// IsTrusted reports whether the given key may be used for the recipient.
func (s *IdentityKeyStore) IsTrusted(id RecipientId, key []byte) (bool, error) {
	if s.policy == TrustAlways {
		return true, nil
	}
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.table.Get(int64(id))
	if err != nil {
		return false, err
	}
	if !ok {
		return s.policy == TrustOnFirstUse, nil
	}
	if !bytes.Equal(existing.Key, key) {
		return false, nil
	}
	return existing.Trust.IsTrusted(), nil
}

// GetIdentity returns the stored identity record, or nil if none exists.
func (s *IdentityKeyStore) GetIdentity(id RecipientId) (*IdentityRecord, error) {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok, err := s.table.Get(int64(id))
	if err != nil || !ok {
		return nil, err
	}
	return rec, nil
}

// Identities returns all stored identity records.
func (s *IdentityKeyStore) Identities() ([]*IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Scan()
}

// mergeRecipientsTx keeps at most one identity record per recipient: when
// the survivor has none, the absorbed record moves over; otherwise the
// survivor's key stays authoritative and the absorbed record is dropped.
func (s *IdentityKeyStore) mergeRecipientsTx(tx *sql.Tx, survivor, absorbed RecipientId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	absorbedRec, ok, err := s.table.GetTx(tx, int64(absorbed))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.table.RemoveTx(tx, int64(absorbed)); err != nil {
		return err
	}
	_, survivorHas, err := s.table.GetTx(tx, int64(survivor))
	if err != nil {
		return err
	}
	if survivorHas {
		return nil
	}
	absorbedRec.RecipientID = survivor
	return s.table.PutTx(tx, int64(survivor), absorbedRec)
}

func (s *IdentityKeyStore) invalidateRecipient(RecipientId) {}
