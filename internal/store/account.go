package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/kryptoworx-io/kx-signal-cli/internal/cryptfile"
)

// Account record versions. Files newer than the current version belong to
// a newer build and are rejected outright; files older than the minimum
// have no migration path left.
const (
	accountVersionMin     = 1
	accountVersionCurrent = 2
)

// Account is the local account credential record, stored as versioned
// JSON. With a master key configured the file is sealed through cryptfile,
// otherwise it is written plain with owner-only permissions.
type Account struct {
	Version int `json:"version"`

	Number   string    `json:"number,omitempty"`
	ACI      uuid.UUID `json:"aci,omitempty"`
	DeviceID uint32    `json:"deviceId,omitempty"`
	Password string    `json:"password,omitempty"`

	IdentityPublicKey   []byte `json:"identityPublicKey,omitempty"`
	IdentityPrivateKey  []byte `json:"identityPrivateKey,omitempty"`
	RegistrationID      uint32 `json:"registrationId,omitempty"`
	ProfileKey          []byte `json:"profileKey,omitempty"`
	RegistrationLockPin string `json:"registrationLockPin,omitempty"`

	PreKeyIDOffset       uint32 `json:"preKeyIdOffset,omitempty"`
	SignedPreKeyIDOffset uint32 `json:"signedPreKeyIdOffset,omitempty"`

	Registered bool `json:"registered"`
}

func loadAccount(path string, crypt *cryptfile.Factory) (*Account, error) {
	var data []byte
	var err error
	if crypt != nil {
		data, err = crypt.ReadFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read account: %w", err)
	}

	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("store: decode account: %w", err)
	}
	if a.Version > accountVersionCurrent {
		return nil, fmt.Errorf("%w: account file version %d", ErrVersionTooNew, a.Version)
	}
	if a.Version < accountVersionMin {
		return nil, fmt.Errorf("%w: account file version %d", ErrVersionTooOld, a.Version)
	}
	return &a, nil
}

func saveAccount(path string, a *Account, crypt *cryptfile.Factory) error {
	a.Version = accountVersionCurrent
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: encode account: %w", err)
	}
	if crypt != nil {
		err = crypt.WriteFile(path, data)
	} else {
		err = os.WriteFile(path, data, 0600)
	}
	if err != nil {
		return fmt.Errorf("store: write account: %w", err)
	}
	return nil
}
