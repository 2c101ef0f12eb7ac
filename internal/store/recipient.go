package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// RecipientId is an opaque, monotonically increasing handle for one
// real-world contact record. Ids are never reused; an absorbed recipient's
// id keeps resolving through the merge redirect map until callers re-fetch.
type RecipientId int64

// RecipientAddress is the pair of identifiers a contact may be known by.
// At least one of UUID and Number is always set.
type RecipientAddress struct {
	UUID   *uuid.UUID
	Number string
}

// NewUUIDAddress returns an address carrying only a uuid.
func NewUUIDAddress(u uuid.UUID) RecipientAddress {
	return RecipientAddress{UUID: &u}
}

// NewNumberAddress returns an address carrying only an E.164 number.
func NewNumberAddress(number string) RecipientAddress {
	return RecipientAddress{Number: number}
}

// NewRecipientAddress returns a fully bound address.
func NewRecipientAddress(u uuid.UUID, number string) RecipientAddress {
	return RecipientAddress{UUID: &u, Number: number}
}

// IsValid reports whether at least one identifier is present.
func (a RecipientAddress) IsValid() bool {
	return a.UUID != nil || a.Number != ""
}

func (a RecipientAddress) String() string {
	switch {
	case a.UUID != nil && a.Number != "":
		return a.UUID.String() + "/" + a.Number
	case a.UUID != nil:
		return a.UUID.String()
	default:
		return a.Number
	}
}

// AddressFromIdentifier classifies a protocol-address name as either an
// account uuid or an E.164 number.
func AddressFromIdentifier(identifier string) (RecipientAddress, error) {
	if u, err := uuid.Parse(identifier); err == nil {
		return NewUUIDAddress(u), nil
	}
	if strings.HasPrefix(identifier, "+") {
		return NewNumberAddress(identifier), nil
	}
	return RecipientAddress{}, fmt.Errorf("store: identifier %q is neither a uuid nor an E.164 number", identifier)
}

// Recipient is the canonical record of one known identity. All other
// tables reference it only by RecipientId.
type Recipient struct {
	ID                   RecipientId
	Address              RecipientAddress
	Contact              *Contact
	ProfileKey           []byte
	ProfileKeyCredential []byte
	Profile              *Profile
}

// Contact is locally sourced contact info.
type Contact struct {
	Name                     string
	Color                    string
	MessageExpirationSeconds int
	Blocked                  bool
	Archived                 bool
}

// UnidentifiedAccessMode is the contact's sealed-sender acceptance mode.
type UnidentifiedAccessMode int

const (
	UnidentifiedAccessUnknown UnidentifiedAccessMode = iota
	UnidentifiedAccessDisabled
	UnidentifiedAccessEnabled
	UnidentifiedAccessUnrestricted
)

// Capability is a feature flag advertised in a contact's profile.
type Capability int

const (
	CapabilityGroupsV2 Capability = iota
	CapabilityStorage
	CapabilitySenderKey
	CapabilityAnnouncementGroup
)

// Profile is the contact-published profile.
type Profile struct {
	LastUpdateTimestamp    int64
	GivenName              string
	FamilyName             string
	About                  string
	AboutEmoji             string
	UnidentifiedAccessMode UnidentifiedAccessMode
	Capabilities           []Capability
}

func normalizeCapabilities(caps []Capability) []Capability {
	if len(caps) == 0 {
		return nil
	}
	out := append([]Capability(nil), caps...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MergeMap is the process-local redirect map from absorbed recipient ids to
// their survivors. It is owned by the RecipientStore and shared by handle
// with every dependent table, whose lookups consult it before touching a
// primary key. Lifecycle is tied to the open store.
type MergeMap struct {
	mu       sync.Mutex
	redirect map[RecipientId]RecipientId
}

// NewMergeMap returns an empty redirect map.
func NewMergeMap() *MergeMap {
	return &MergeMap{redirect: map[RecipientId]RecipientId{}}
}

// Add records that absorbed now redirects to survivor.
func (m *MergeMap) Add(absorbed, survivor RecipientId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirect[absorbed] = survivor
}

// Chase follows redirects transitively and returns the surviving id, which
// is the input itself when no merge touched it.
func (m *MergeMap) Chase(id RecipientId) RecipientId {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		next, ok := m.redirect[id]
		if !ok {
			return id
		}
		id = next
	}
}
