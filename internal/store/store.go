package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/fslock"
	_ "modernc.org/sqlite"

	"github.com/kryptoworx-io/kx-signal-cli/internal/cryptfile"
	"github.com/kryptoworx-io/kx-signal-cli/internal/protocol"
)

// Store bundles the recipient table, the protocol state tables and the
// account credential file behind one handle. It implements the protocol
// library's store interfaces, resolving each address to a recipient id
// before any table access.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	lock  *fslock.Lock
	crypt *cryptfile.Factory

	accountPath string

	Recipients *RecipientStore
	Identities *IdentityKeyStore
	Sessions   *SessionStore
	SenderKeys *SenderKeyStore
	PreKeys    *PreKeyStore
	Groups     *GroupStore

	mu      sync.Mutex
	account *Account
}

// Compile-time interface checks.
var (
	_ protocol.SessionStore      = (*Store)(nil)
	_ protocol.IdentityKeyStore  = (*Store)(nil)
	_ protocol.PreKeyStore       = (*Store)(nil)
	_ protocol.SignedPreKeyStore = (*Store)(nil)
	_ protocol.SenderKeyStore    = (*Store)(nil)
)

type options struct {
	log       *slog.Logger
	trust     TrustNewIdentity
	handlers  []MergeHandler
	accountID uuid.UUID
	masterKey []byte
}

// Option configures a Store at open time.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithTrustNewIdentity sets the policy for identity keys seen for the
// first time. The default is TrustOnFirstUse.
func WithTrustNewIdentity(policy TrustNewIdentity) Option {
	return func(o *options) { o.trust = policy }
}

// WithMergeHandler registers a callback invoked after every completed
// recipient merge. External caches keyed by recipient id use this to
// re-key their entries.
func WithMergeHandler(h MergeHandler) Option {
	return func(o *options) { o.handlers = append(o.handlers, h) }
}

// WithMasterKey seals the account credential file with per-file keys
// derived from the 32-byte master key and the account id. Without it the
// file is stored plain with owner-only permissions.
func WithMasterKey(accountID uuid.UUID, masterKey []byte) Option {
	return func(o *options) {
		o.accountID = accountID
		o.masterKey = masterKey
	}
}

// DefaultDataDir returns the default data directory. Uses
// $XDG_DATA_HOME/kx-signal-cli, falling back to ~/.local/share.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "kx-signal-cli")
}

// Open opens or creates the store in the given directory, taking an
// advisory lock so no second process opens the same account. If dir is
// empty the default data directory is used.
func Open(dir string, opts ...Option) (*Store, error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if dir == "" {
		dir = DefaultDataDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	lock := fslock.New(filepath.Join(dir, "lock"))
	if err := lock.TryLock(); err != nil {
		return nil, fmt.Errorf("store: account already in use: %w", err)
	}

	s := &Store{
		log:         o.log,
		lock:        lock,
		accountPath: filepath.Join(dir, "account.dat"),
	}
	var err error
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if o.masterKey != nil {
		s.crypt, err = cryptfile.NewFactory(o.accountID, o.masterKey)
		if err != nil {
			return nil, err
		}
	}

	s.db, err = sql.Open("sqlite", filepath.Join(dir, "store.db"))
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if _, err = s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	s.Recipients, err = newRecipientStore(s.db, o.log)
	if err != nil {
		return nil, err
	}
	merged := s.Recipients.MergeMap()

	s.Sessions, err = newSessionStore(s.db, merged, o.log)
	if err != nil {
		return nil, err
	}
	s.Identities, err = newIdentityKeyStore(s.db, merged, o.trust, o.log)
	if err != nil {
		return nil, err
	}
	s.SenderKeys, err = newSenderKeyStore(s.db, merged, o.log)
	if err != nil {
		return nil, err
	}
	s.Groups, err = newGroupStore(s.db, merged, o.log)
	if err != nil {
		return nil, err
	}
	s.PreKeys, err = newPreKeyStore(s.db)
	if err != nil {
		return nil, err
	}

	// Merge propagation order matches lock order: sessions, identities,
	// sender keys, group membership.
	s.Recipients.addDependent(s.Sessions)
	s.Recipients.addDependent(s.Identities)
	s.Recipients.addDependent(s.SenderKeys)
	s.Recipients.addDependent(s.Groups)
	for _, h := range o.handlers {
		s.Recipients.OnMerge(h)
	}

	if _, statErr := os.Stat(s.accountPath); statErr == nil {
		s.account, err = loadAccount(s.accountPath, s.crypt)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Account returns the loaded account record, or nil when the store holds
// no account yet.
func (s *Store) Account() *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// SaveAccount persists the account record to the credential file.
func (s *Store) SaveAccount(a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := saveAccount(s.accountPath, a, s.crypt); err != nil {
		return err
	}
	s.account = a
	return nil
}

// Close releases the database, the account lock and the file cipher. Key
// material held by the cipher is wiped.
func (s *Store) Close() error {
	var firstErr error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			firstErr = err
		}
		s.db = nil
	}
	if s.crypt != nil {
		s.crypt.Close()
		s.crypt = nil
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.lock = nil
	}
	return firstErr
}

func (s *Store) resolveAddress(a *protocol.Address) (RecipientId, error) {
	addr, err := AddressFromIdentifier(a.Name())
	if err != nil {
		return 0, err
	}
	return s.Recipients.Resolve(addr)
}

// LoadSession implements protocol.SessionStore.
func (s *Store) LoadSession(a *protocol.Address) (*protocol.SessionRecord, error) {
	id, err := s.resolveAddress(a)
	if err != nil {
		return nil, err
	}
	return s.Sessions.LoadSession(id, a.DeviceID())
}

// StoreSession implements protocol.SessionStore.
func (s *Store) StoreSession(a *protocol.Address, rec *protocol.SessionRecord) error {
	id, err := s.resolveAddress(a)
	if err != nil {
		return err
	}
	return s.Sessions.StoreSession(id, a.DeviceID(), rec)
}

// ContainsSession implements protocol.SessionStore.
func (s *Store) ContainsSession(a *protocol.Address) (bool, error) {
	id, err := s.resolveAddress(a)
	if err != nil {
		return false, err
	}
	return s.Sessions.ContainsSession(id, a.DeviceID())
}

// DeleteSession implements protocol.SessionStore.
func (s *Store) DeleteSession(a *protocol.Address) error {
	id, err := s.resolveAddress(a)
	if err != nil {
		return err
	}
	return s.Sessions.DeleteSession(id, a.DeviceID())
}

// DeleteAllSessions implements protocol.SessionStore.
func (s *Store) DeleteAllSessions(name string) error {
	id, err := s.resolveAddress(protocol.NewAddress(name, primaryDeviceId))
	if err != nil {
		return err
	}
	return s.Sessions.DeleteAllSessions(id)
}

// ArchiveSession implements protocol.SessionStore.
func (s *Store) ArchiveSession(a *protocol.Address) error {
	id, err := s.resolveAddress(a)
	if err != nil {
		return err
	}
	return s.Sessions.ArchiveSession(id, a.DeviceID())
}

// SubDeviceSessions implements protocol.SessionStore.
func (s *Store) SubDeviceSessions(name string) ([]uint32, error) {
	id, err := s.resolveAddress(protocol.NewAddress(name, primaryDeviceId))
	if err != nil {
		return nil, err
	}
	return s.Sessions.SubDeviceSessions(id)
}

// ActiveAddresses returns, for each identifier, the addresses of all
// devices holding an active session, in caller-facing address form.
func (s *Store) ActiveAddresses(identifiers ...string) ([]*protocol.Address, error) {
	var out []*protocol.Address
	for _, name := range identifiers {
		id, err := s.resolveAddress(protocol.NewAddress(name, primaryDeviceId))
		if err != nil {
			return nil, err
		}
		devices, err := s.Sessions.ActiveDevices(id)
		if err != nil {
			return nil, err
		}
		for _, device := range devices {
			out = append(out, protocol.NewAddress(name, device))
		}
	}
	return out, nil
}

// SaveIdentityKey implements protocol.IdentityKeyStore.
func (s *Store) SaveIdentityKey(a *protocol.Address, key []byte) (bool, error) {
	id, err := s.resolveAddress(a)
	if err != nil {
		return false, err
	}
	return s.Identities.SaveIdentity(id, key, time.Now())
}

// GetIdentityKey implements protocol.IdentityKeyStore.
func (s *Store) GetIdentityKey(a *protocol.Address) ([]byte, error) {
	id, err := s.resolveAddress(a)
	if err != nil {
		return nil, err
	}
	rec, err := s.Identities.GetIdentity(id)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Key, nil
}

// IsTrustedIdentity implements protocol.IdentityKeyStore.
func (s *Store) IsTrustedIdentity(a *protocol.Address, key []byte, _ protocol.Direction) (bool, error) {
	id, err := s.resolveAddress(a)
	if err != nil {
		return false, err
	}
	return s.Identities.IsTrusted(id, key)
}

// LoadPreKey implements protocol.PreKeyStore.
func (s *Store) LoadPreKey(id uint32) (*protocol.PreKeyRecord, error) {
	return s.PreKeys.LoadPreKey(id)
}

// StorePreKey implements protocol.PreKeyStore.
func (s *Store) StorePreKey(id uint32, rec *protocol.PreKeyRecord) error {
	return s.PreKeys.StorePreKey(id, rec)
}

// RemovePreKey implements protocol.PreKeyStore.
func (s *Store) RemovePreKey(id uint32) error {
	return s.PreKeys.RemovePreKey(id)
}

// LoadSignedPreKey implements protocol.SignedPreKeyStore.
func (s *Store) LoadSignedPreKey(id uint32) (*protocol.SignedPreKeyRecord, error) {
	return s.PreKeys.LoadSignedPreKey(id)
}

// StoreSignedPreKey implements protocol.SignedPreKeyStore.
func (s *Store) StoreSignedPreKey(id uint32, rec *protocol.SignedPreKeyRecord) error {
	return s.PreKeys.StoreSignedPreKey(id, rec)
}

// LoadSenderKey implements protocol.SenderKeyStore.
func (s *Store) LoadSenderKey(sender *protocol.Address, distributionID uuid.UUID) (*protocol.SenderKeyRecord, error) {
	id, err := s.resolveAddress(sender)
	if err != nil {
		return nil, err
	}
	return s.SenderKeys.LoadSenderKey(id, sender.DeviceID(), distributionID)
}

// StoreSenderKey implements protocol.SenderKeyStore.
func (s *Store) StoreSenderKey(sender *protocol.Address, distributionID uuid.UUID, rec *protocol.SenderKeyRecord) error {
	id, err := s.resolveAddress(sender)
	if err != nil {
		return err
	}
	return s.SenderKeys.StoreSenderKey(id, sender.DeviceID(), distributionID, rec)
}
