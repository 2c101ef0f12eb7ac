package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kryptoworx-io/kx-signal-cli/internal/sqlmap"
)

// MergeHandler is notified after every completed recipient merge so
// unrelated caches can re-key their entries.
type MergeHandler func(survivor, absorbed RecipientId)

// dependentStore is a table that references recipients by id and must be
// re-pointed inside the merge transaction.
type dependentStore interface {
	mergeRecipientsTx(tx *sql.Tx, survivor, absorbed RecipientId) error
	invalidateRecipient(id RecipientId)
}

// RecipientStore owns the canonical recipient table and the identity
// resolution algorithm. All mutations of the table go through it.
type RecipientStore struct {
	db    *sql.DB
	table *sqlmap.Table[int64, *Recipient]
	log   *slog.Logger

	mu         sync.Mutex
	merged     *MergeMap
	dependents []dependentStore
	handlers   []MergeHandler
}

const (
	colNumber     = "e164"
	colUUID       = "guid"
	colHasContact = "has_contact"
)

func newRecipientStore(db *sql.DB, log *slog.Logger) (*RecipientStore, error) {
	table, err := sqlmap.New(db, "recipients",
		sqlmap.Column{Name: "id", Type: "INTEGER"},
		[]sqlmap.Column{
			{Name: colNumber, Type: "TEXT"},
			{Name: colUUID, Type: "TEXT"},
			{Name: colHasContact, Type: "INTEGER"},
		},
		sqlmap.FuncCodec[int64, *Recipient]{
			MarshalFunc:   marshalRecipient,
			UnmarshalFunc: unmarshalRecipient,
		})
	if err != nil {
		return nil, err
	}
	err = sqlmap.Transact(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("CREATE TABLE IF NOT EXISTS recipient_seq (next INTEGER NOT NULL)"); err != nil {
			return fmt.Errorf("store: create recipient_seq: %w", err)
		}
		_, err := tx.Exec("INSERT INTO recipient_seq (next) SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM recipient_seq)")
		if err != nil {
			return fmt.Errorf("store: seed recipient_seq: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &RecipientStore{db: db, table: table, log: log, merged: NewMergeMap()}, nil
}

// MergeMap returns the redirect map shared with dependent tables.
func (s *RecipientStore) MergeMap() *MergeMap { return s.merged }

func (s *RecipientStore) addDependent(d dependentStore) {
	s.dependents = append(s.dependents, d)
}

// OnMerge registers a callback invoked after every completed merge.
func (s *RecipientStore) OnMerge(h MergeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Resolve turns an address into a canonical RecipientId without trusting
// the uuid/number pairing: it never rebinds and never merges.
func (s *RecipientStore) Resolve(addr RecipientAddress) (RecipientId, error) {
	return s.resolve(addr, false)
}

// ResolveTrusted is Resolve for pairings obtained from a trusted source; it
// may rebind numbers and merge recipients.
func (s *RecipientStore) ResolveTrusted(addr RecipientAddress) (RecipientId, error) {
	return s.resolve(addr, true)
}

// ResolveIdentifier resolves a protocol-address name (uuid or E.164).
func (s *RecipientStore) ResolveIdentifier(identifier string) (RecipientId, error) {
	addr, err := AddressFromIdentifier(identifier)
	if err != nil {
		return 0, err
	}
	return s.resolve(addr, false)
}

// ResolveNumber resolves a bare number. When no uuid-bearing recipient
// matches, uuidSupplier is consulted (e.g. a directory lookup); if it
// cannot produce one, the identifier stays unresolved.
func (s *RecipientStore) ResolveNumber(number string, uuidSupplier func() (uuid.UUID, bool)) (RecipientId, error) {
	var existing *Recipient
	s.mu.Lock()
	err := sqlmap.Transact(s.db, func(tx *sql.Tx) error {
		r, ok, err := s.table.GetByIndexTx(tx, colNumber, number)
		if err != nil {
			return err
		}
		if ok {
			existing = r
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if existing != nil && existing.Address.UUID != nil {
		return existing.ID, nil
	}

	u, ok := uuidSupplier()
	if !ok {
		return 0, &UnresolvedIdentifierError{Number: number}
	}
	return s.resolve(NewRecipientAddress(u, number), false)
}

// ResolveAllTrusted resolves a batch of trusted addresses in one pass,
// applying any detected merges before returning.
func (s *RecipientStore) ResolveAllTrusted(addrs []RecipientAddress) ([]RecipientId, error) {
	ids := make([]RecipientId, 0, len(addrs))
	type mergePair struct{ survivor, absorbed RecipientId }
	var mergesDone []mergePair

	s.mu.Lock()
	err := sqlmap.Transact(s.db, func(tx *sql.Tx) error {
		for _, addr := range addrs {
			id, absorbed, err := s.resolveTx(tx, addr, true)
			if err != nil {
				return err
			}
			if absorbed != 0 {
				if err := s.mergeTx(tx, id, absorbed); err != nil {
					return err
				}
				mergesDone = append(mergesDone, mergePair{id, absorbed})
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err == nil {
		for _, m := range mergesDone {
			s.applyMergeLocked(m.survivor, m.absorbed)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, m := range mergesDone {
		s.notifyMerge(m.survivor, m.absorbed)
	}
	return ids, nil
}

func (s *RecipientStore) resolve(addr RecipientAddress, highTrust bool) (RecipientId, error) {
	if !addr.IsValid() {
		return 0, fmt.Errorf("store: resolve: address carries neither uuid nor number")
	}
	var id, absorbed RecipientId
	s.mu.Lock()
	err := sqlmap.Transact(s.db, func(tx *sql.Tx) error {
		var err error
		id, absorbed, err = s.resolveTx(tx, addr, highTrust)
		if err != nil {
			return err
		}
		if absorbed != 0 {
			return s.mergeTx(tx, id, absorbed)
		}
		return nil
	})
	if err == nil && absorbed != 0 {
		s.applyMergeLocked(id, absorbed)
	}
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if absorbed != 0 {
		s.notifyMerge(id, absorbed)
	}
	return id, nil
}

// resolveTx is the identity reconciliation decision table. It returns the
// canonical id for the address and, when two existing recipients turned out
// to be the same contact, the id to be absorbed. The uuid identity is
// always preferred over the number identity.
func (s *RecipientStore) resolveTx(tx *sql.Tx, addr RecipientAddress, highTrust bool) (RecipientId, RecipientId, error) {
	var byNumber, byUUID *Recipient
	if addr.Number != "" {
		r, ok, err := s.table.GetByIndexTx(tx, colNumber, addr.Number)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			byNumber = r
		}
	}
	if addr.UUID != nil {
		r, ok, err := s.table.GetByIndexTx(tx, colUUID, addr.UUID.String())
		if err != nil {
			return 0, 0, err
		}
		if ok {
			byUUID = r
		}
	}

	if byNumber == nil && byUUID == nil {
		s.log.Debug("new recipient, both uuid and number unknown", "address", addr)
		if highTrust || addr.UUID == nil || addr.Number == "" {
			id, err := s.addNewTx(tx, addr)
			return id, 0, err
		}
		// Untrusted pairing: keep only the uuid, so an unverified number
		// binding never enters the table. Observed behaviour of the
		// resolution algorithm, kept exactly.
		id, err := s.addNewTx(tx, NewUUIDAddress(*addr.UUID))
		return id, 0, err
	}

	if !highTrust || addr.UUID == nil || addr.Number == "" ||
		(byNumber != nil && byUUID != nil && byNumber.ID == byUUID.ID) {
		if byUUID != nil {
			return byUUID.ID, 0, nil
		}
		return byNumber.ID, 0, nil
	}

	if byNumber == nil {
		s.log.Debug("recipient exists with uuid, attaching high trust number", "id", byUUID.ID)
		if err := s.updateAddressTx(tx, byUUID.ID, addr); err != nil {
			return 0, 0, err
		}
		return byUUID.ID, 0, nil
	}

	if byUUID == nil {
		if byNumber.Address.UUID != nil {
			s.log.Debug("number bound to a different uuid, stripping it and adding new recipient", "id", byNumber.ID)
			if err := s.updateAddressTx(tx, byNumber.ID, NewUUIDAddress(*byNumber.Address.UUID)); err != nil {
				return 0, 0, err
			}
			id, err := s.addNewTx(tx, addr)
			return id, 0, err
		}
		s.log.Debug("recipient exists with number and no uuid, attaching high trust uuid", "id", byNumber.ID)
		if err := s.updateAddressTx(tx, byNumber.ID, addr); err != nil {
			return 0, 0, err
		}
		return byNumber.ID, 0, nil
	}

	if byNumber.Address.UUID != nil {
		// Two recipients, and the number one is bound to a third uuid:
		// provably different contacts, so rebind without merging.
		s.log.Debug("separate recipients for number and uuid, number has different uuid, stripping it",
			"byNumber", byNumber.ID, "byUuid", byUUID.ID)
		if err := s.updateAddressTx(tx, byNumber.ID, NewUUIDAddress(*byNumber.Address.UUID)); err != nil {
			return 0, 0, err
		}
		if err := s.updateAddressTx(tx, byUUID.ID, addr); err != nil {
			return 0, 0, err
		}
		return byUUID.ID, 0, nil
	}

	s.log.Debug("separate recipients for number and uuid, merging",
		"survivor", byUUID.ID, "absorbed", byNumber.ID)
	if err := s.updateAddressTx(tx, byUUID.ID, addr); err != nil {
		return 0, 0, err
	}
	return byUUID.ID, byNumber.ID, nil
}

func (s *RecipientStore) addNewTx(tx *sql.Tx, addr RecipientAddress) (RecipientId, error) {
	var next int64
	if err := tx.QueryRow("UPDATE recipient_seq SET next = next + 1 RETURNING next").Scan(&next); err != nil {
		return 0, fmt.Errorf("store: next recipient id: %w", err)
	}
	id := RecipientId(next)
	r := &Recipient{ID: id, Address: addr}
	return id, s.putTx(tx, r)
}

func (s *RecipientStore) updateAddressTx(tx *sql.Tx, id RecipientId, addr RecipientAddress) error {
	r, ok, err := s.table.GetTx(tx, int64(id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store: update address: recipient %d not found", id)
	}
	r.Address = addr
	return s.putTx(tx, r)
}

func (s *RecipientStore) putTx(tx *sql.Tx, r *Recipient) error {
	var numberVal, uuidVal any
	if r.Address.Number != "" {
		numberVal = r.Address.Number
	}
	if r.Address.UUID != nil {
		uuidVal = r.Address.UUID.String()
	}
	return s.table.PutTx(tx, int64(r.ID), r, numberVal, uuidVal, r.Contact != nil)
}

// GetRecipient loads a recipient, following merge redirects so ids obtained
// before a merge keep resolving. Returns nil when the id is unknown.
func (s *RecipientStore) GetRecipient(id RecipientId) (*Recipient, error) {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.table.Get(int64(id))
	if err != nil || !ok {
		return nil, err
	}
	return r, nil
}

// Address returns the current address of a recipient.
func (s *RecipientStore) Address(id RecipientId) (RecipientAddress, error) {
	r, err := s.GetRecipient(id)
	if err != nil {
		return RecipientAddress{}, err
	}
	if r == nil {
		return RecipientAddress{}, fmt.Errorf("store: recipient %d not found", id)
	}
	return r.Address, nil
}

// Recipients returns all canonical records.
func (s *RecipientStore) Recipients() ([]*Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Scan()
}

// IsEmpty reports whether no recipient is known yet.
func (s *RecipientStore) IsEmpty() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.table.Count()
	return n == 0, err
}

// StoreContact replaces the contact info of a recipient. Other fields of
// the record are untouched.
func (s *RecipientStore) StoreContact(id RecipientId, contact *Contact) error {
	return s.mutate(id, func(r *Recipient) {
		r.Contact = contact
	})
}

// GetContact returns the contact info, or nil if none stored.
func (s *RecipientStore) GetContact(id RecipientId) (*Contact, error) {
	r, err := s.GetRecipient(id)
	if err != nil || r == nil {
		return nil, err
	}
	return r.Contact, nil
}

// Contacts returns every recipient that carries contact info.
func (s *RecipientStore) Contacts() ([]*Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Recipient
	err := sqlmap.Transact(s.db, func(tx *sql.Tx) error {
		all, err := s.table.ScanTx(tx)
		if err != nil {
			return err
		}
		for _, r := range all {
			if r.Contact != nil {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// StoreProfile replaces the profile of a recipient.
func (s *RecipientStore) StoreProfile(id RecipientId, profile *Profile) error {
	return s.mutate(id, func(r *Recipient) {
		r.Profile = profile
	})
}

// GetProfile returns the stored profile, or nil.
func (s *RecipientStore) GetProfile(id RecipientId) (*Profile, error) {
	r, err := s.GetRecipient(id)
	if err != nil || r == nil {
		return nil, err
	}
	return r.Profile, nil
}

// StoreProfileKey stores a new profile key. A changed key invalidates the
// cached credential and forces a profile refresh on next fetch.
func (s *RecipientStore) StoreProfileKey(id RecipientId, profileKey []byte) error {
	return s.mutate(id, func(r *Recipient) {
		if profileKey != nil && bytes.Equal(profileKey, r.ProfileKey) {
			return
		}
		r.ProfileKey = profileKey
		r.ProfileKeyCredential = nil
		if r.Profile != nil {
			r.Profile.LastUpdateTimestamp = 0
		}
	})
}

// GetProfileKey returns the stored profile key, or nil.
func (s *RecipientStore) GetProfileKey(id RecipientId) ([]byte, error) {
	r, err := s.GetRecipient(id)
	if err != nil || r == nil {
		return nil, err
	}
	return r.ProfileKey, nil
}

// StoreProfileKeyCredential stores a fetched profile key credential.
func (s *RecipientStore) StoreProfileKeyCredential(id RecipientId, credential []byte) error {
	return s.mutate(id, func(r *Recipient) {
		r.ProfileKeyCredential = credential
	})
}

// GetProfileKeyCredential returns the cached credential, or nil.
func (s *RecipientStore) GetProfileKeyCredential(id RecipientId) ([]byte, error) {
	r, err := s.GetRecipient(id)
	if err != nil || r == nil {
		return nil, err
	}
	return r.ProfileKeyCredential, nil
}

func (s *RecipientStore) mutate(id RecipientId, fn func(r *Recipient)) error {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlmap.Transact(s.db, func(tx *sql.Tx) error {
		r, ok, err := s.table.GetTx(tx, int64(id))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("store: recipient %d not found", id)
		}
		fn(r)
		return s.putTx(tx, r)
	})
}
