package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kryptoworx-io/kx-signal-cli/internal/protocol"
	"github.com/kryptoworx-io/kx-signal-cli/internal/sqlmap"
)

// Session rows are keyed by recipient id and device id packed into one
// 64-bit key: the device occupies the low 16 bits.
const (
	maxRecipientId  = RecipientId(0xffffffffffff)
	primaryDeviceId = 1

	colRecipient = "recipient"
	colDevice    = "device"
	colActive    = "active"
)

func sessionKey(id RecipientId, deviceID uint32) (int64, error) {
	if id < 0 || id > maxRecipientId || deviceID > 0xffff {
		return 0, fmt.Errorf("store: session key out of range: %d.%d", id, deviceID)
	}
	return int64(id)<<16 | int64(deviceID), nil
}

func splitSessionKey(key int64) (RecipientId, uint32) {
	return RecipientId(key >> 16), uint32(key & 0xffff)
}

// SessionStore holds protocol session records per recipient device. Loaded
// records are cached in-process; the cache is invalidated per key on every
// write and wholesale for any recipient rewritten during a merge.
type SessionStore struct {
	db     *sql.DB
	table  *sqlmap.Table[int64, *protocol.SessionRecord]
	log    *slog.Logger
	merged *MergeMap

	mu    sync.Mutex
	cache map[int64]*protocol.SessionRecord
}

func newSessionStore(db *sql.DB, merged *MergeMap, log *slog.Logger) (*SessionStore, error) {
	s := &SessionStore{db: db, log: log, merged: merged, cache: make(map[int64]*protocol.SessionRecord)}
	table, err := sqlmap.New(db, "sessions",
		sqlmap.Column{Name: "key", Type: "INTEGER"},
		[]sqlmap.Column{
			{Name: colRecipient, Type: "INTEGER"},
			{Name: colDevice, Type: "INTEGER"},
			{Name: colActive, Type: "INTEGER"},
		},
		sqlmap.FuncCodec[int64, *protocol.SessionRecord]{
			MarshalFunc: func(_ int64, r *protocol.SessionRecord) ([]byte, error) {
				return r.Serialize(), nil
			},
			UnmarshalFunc: s.unmarshalSession,
		})
	if err != nil {
		return nil, err
	}
	s.table = table
	return s, nil
}

// A session blob that no longer decodes is treated as no session: the
// protocol layer recovers by negotiating a fresh one.
func (s *SessionStore) unmarshalSession(key int64, data []byte) (*protocol.SessionRecord, error) {
	rec, err := protocol.DeserializeSessionRecord(data)
	if err != nil {
		id, device := splitSessionKey(key)
		s.log.Warn("discarding malformed session record", "recipient", id, "device", device, "err", err)
		return protocol.NewSessionRecord(), nil
	}
	return rec, nil
}

// LoadSession returns the stored session for the device, or a fresh record
// when none is stored. Absence is a normal initial state, not an error.
func (s *SessionStore) LoadSession(id RecipientId, deviceID uint32) (*protocol.SessionRecord, error) {
	id = s.merged.Chase(id)
	key, err := sessionKey(id, deviceID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.cache[key]; ok {
		return rec, nil
	}
	rec, ok, err := s.table.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return protocol.NewSessionRecord(), nil
	}
	s.cache[key] = rec
	return rec, nil
}

// StoreSession persists the record for the device.
func (s *SessionStore) StoreSession(id RecipientId, deviceID uint32, rec *protocol.SessionRecord) error {
	id = s.merged.Chase(id)
	key, err := sessionKey(id, deviceID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.table.Put(key, rec, int64(id), int64(deviceID), boolVarint(rec.IsActive())); err != nil {
		return err
	}
	s.cache[key] = rec
	return nil
}

// ContainsSession reports whether an active session is stored for the
// device. Activity is derived from the record itself, never from a stored
// flag.
func (s *SessionStore) ContainsSession(id RecipientId, deviceID uint32) (bool, error) {
	rec, err := s.LoadSession(id, deviceID)
	if err != nil {
		return false, err
	}
	return rec.IsActive(), nil
}

// DeleteSession removes the session row for the device.
func (s *SessionStore) DeleteSession(id RecipientId, deviceID uint32) error {
	id = s.merged.Chase(id)
	key, err := sessionKey(id, deviceID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, key)
	return s.table.Remove(key)
}

// DeleteAllSessions removes every session row of the recipient.
func (s *SessionStore) DeleteAllSessions(id RecipientId) error {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropCachedLocked(id)
	return s.table.RemoveByIndex(colRecipient, int64(id))
}

// ArchiveSession moves the device's current session state to its archive.
// The row is rewritten, never deleted.
func (s *SessionStore) ArchiveSession(id RecipientId, deviceID uint32) error {
	id = s.merged.Chase(id)
	key, err := sessionKey(id, deviceID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archiveLocked(key)
}

// ArchiveAllSessionsFor archives every session of the recipient.
func (s *SessionStore) ArchiveAllSessionsFor(id RecipientId) error {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.table.KeysByIndex(colRecipient, int64(id))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.archiveLocked(key); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveAllSessions archives every stored session.
func (s *SessionStore) ArchiveAllSessions() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.table.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.archiveLocked(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionStore) archiveLocked(key int64) error {
	rec, ok := s.cache[key]
	if !ok {
		var err error
		rec, ok, err = s.table.Get(key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	rec.ArchiveCurrentState()
	id, deviceID := splitSessionKey(key)
	if err := s.table.Put(key, rec, int64(id), int64(deviceID), boolVarint(rec.IsActive())); err != nil {
		return err
	}
	s.cache[key] = rec
	return nil
}

// SubDeviceSessions lists the recipient's device ids that have a session
// row, excluding the primary device.
func (s *SessionStore) SubDeviceSessions(id RecipientId) ([]uint32, error) {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.table.KeysByIndex(colRecipient, int64(id))
	if err != nil {
		return nil, err
	}
	var devices []uint32
	for _, key := range keys {
		if _, device := splitSessionKey(key); device != primaryDeviceId {
			devices = append(devices, device)
		}
	}
	return devices, nil
}

// ActiveDevices lists the device ids of the recipient that currently hold
// an active session.
func (s *SessionStore) ActiveDevices(id RecipientId) ([]uint32, error) {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.table.KeysByIndex(colRecipient, int64(id))
	if err != nil {
		return nil, err
	}
	var devices []uint32
	for _, key := range keys {
		rec, ok := s.cache[key]
		if !ok {
			var err error
			rec, ok, err = s.table.Get(key)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			s.cache[key] = rec
		}
		if rec.IsActive() {
			_, device := splitSessionKey(key)
			devices = append(devices, device)
		}
	}
	return devices, nil
}

// mergeRecipientsTx re-points the absorbed recipient's session rows at the
// survivor. Conflicts resolve per device: the survivor's own session for a
// device is live protocol state and is never overwritten, the absorbed
// row for that device is dropped instead.
func (s *SessionStore) mergeRecipientsTx(tx *sql.Tx, survivor, absorbed RecipientId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.table.KeysByIndexTx(tx, colRecipient, int64(absorbed))
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, deviceID := splitSessionKey(key)
		newKey, err := sessionKey(survivor, deviceID)
		if err != nil {
			return err
		}
		rec, ok, err := s.table.GetTx(tx, key)
		if err != nil {
			return err
		}
		if err := s.table.RemoveTx(tx, key); err != nil {
			return err
		}
		if !ok {
			continue
		}
		_, taken, err := s.table.GetTx(tx, newKey)
		if err != nil {
			return err
		}
		if taken {
			s.log.Debug("dropping absorbed session, survivor has one", "device", deviceID)
			continue
		}
		if err := s.table.PutTx(tx, newKey, rec, int64(survivor), int64(deviceID), boolVarint(rec.IsActive())); err != nil {
			return err
		}
	}
	return nil
}

// invalidateRecipient drops every cached record of the recipient.
func (s *SessionStore) invalidateRecipient(id RecipientId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropCachedLocked(id)
}

func (s *SessionStore) dropCachedLocked(id RecipientId) {
	for key := range s.cache {
		if rid, _ := splitSessionKey(key); rid == id {
			delete(s.cache, key)
		}
	}
}
