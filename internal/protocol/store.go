package protocol

import "github.com/google/uuid"

// Direction of the communication a trust decision applies to.
type Direction int

const (
	Sending Direction = iota
	Receiving
)

// SessionStore stores session records keyed by protocol address.
type SessionStore interface {
	LoadSession(address *Address) (*SessionRecord, error)
	StoreSession(address *Address, record *SessionRecord) error
	ContainsSession(address *Address) (bool, error)
	DeleteSession(address *Address) error
	DeleteAllSessions(name string) error
	ArchiveSession(address *Address) error
	SubDeviceSessions(name string) ([]uint32, error)
}

// IdentityKeyStore manages remote identity keys and their trust.
type IdentityKeyStore interface {
	SaveIdentityKey(address *Address, key []byte) (bool, error)
	GetIdentityKey(address *Address) ([]byte, error)
	IsTrustedIdentity(address *Address, key []byte, direction Direction) (bool, error)
}

// PreKeyStore stores one-time pre-key records.
type PreKeyStore interface {
	LoadPreKey(id uint32) (*PreKeyRecord, error)
	StorePreKey(id uint32, record *PreKeyRecord) error
	RemovePreKey(id uint32) error
}

// SignedPreKeyStore stores signed pre-key records.
type SignedPreKeyStore interface {
	LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error)
	StoreSignedPreKey(id uint32, record *SignedPreKeyRecord) error
}

// SenderKeyStore stores group sender key records keyed by sender address
// and distribution ID.
type SenderKeyStore interface {
	LoadSenderKey(sender *Address, distributionID uuid.UUID) (*SenderKeyRecord, error)
	StoreSenderKey(sender *Address, distributionID uuid.UUID, record *SenderKeyRecord) error
}
