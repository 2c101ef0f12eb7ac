package store

import (
	"errors"
	"testing"

	"github.com/kryptoworx-io/kx-signal-cli/internal/protocol"
)

func TestAddressFromIdentifier(t *testing.T) {
	addr, err := AddressFromIdentifier(uuidA.String())
	if err != nil {
		t.Fatal(err)
	}
	if addr.UUID == nil || *addr.UUID != uuidA || addr.Number != "" {
		t.Fatalf("got %+v", addr)
	}

	addr, err = AddressFromIdentifier("+15550000001")
	if err != nil {
		t.Fatal(err)
	}
	if addr.Number != "+15550000001" || addr.UUID != nil {
		t.Fatalf("got %+v", addr)
	}

	if _, err := AddressFromIdentifier("not-an-identifier"); err == nil {
		t.Fatal("junk identifier should be rejected")
	}
}

func TestContactRoundTrip(t *testing.T) {
	s := tempStore(t)
	id := makeRecipient(t, s, NewUUIDAddress(uuidA))

	contact, err := s.Recipients.GetContact(id)
	if err != nil {
		t.Fatal(err)
	}
	if contact != nil {
		t.Fatal("fresh recipient has no contact")
	}

	want := &Contact{Name: "Ada", Color: "blue", MessageExpirationSeconds: 3600, Blocked: true}
	if err := s.Recipients.StoreContact(id, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Recipients.GetContact(id)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	contacts, err := s.Recipients.Contacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].ID != id {
		t.Fatalf("contacts = %+v", contacts)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := tempStore(t)
	id := makeRecipient(t, s, NewUUIDAddress(uuidA))

	want := &Profile{
		LastUpdateTimestamp:    1234,
		GivenName:              "Ada",
		FamilyName:             "Lovelace",
		About:                  "first programmer",
		AboutEmoji:             "🧮",
		UnidentifiedAccessMode: UnidentifiedAccessEnabled,
		Capabilities:           []Capability{CapabilitySenderKey, CapabilityGroupsV2},
	}
	if err := s.Recipients.StoreProfile(id, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Recipients.GetProfile(id)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.GivenName != "Ada" || got.AboutEmoji != "🧮" ||
		got.UnidentifiedAccessMode != UnidentifiedAccessEnabled {
		t.Fatalf("got %+v", got)
	}
	if len(got.Capabilities) != 2 {
		t.Fatalf("capabilities = %v", got.Capabilities)
	}
}

// Storing a changed profile key drops the cached credential and forces a
// profile refresh; re-storing the same key leaves both alone.
func TestStoreProfileKeyInvalidatesCredential(t *testing.T) {
	s := tempStore(t)
	id := makeRecipient(t, s, NewUUIDAddress(uuidA))

	if err := s.Recipients.StoreProfileKey(id, []byte("pk-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Recipients.StoreProfileKeyCredential(id, []byte("cred-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Recipients.StoreProfile(id, &Profile{LastUpdateTimestamp: 99, GivenName: "Ada"}); err != nil {
		t.Fatal(err)
	}

	// Same key: everything stays.
	if err := s.Recipients.StoreProfileKey(id, []byte("pk-1")); err != nil {
		t.Fatal(err)
	}
	cred, err := s.Recipients.GetProfileKeyCredential(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(cred) != "cred-1" {
		t.Fatal("credential must survive a no-op key store")
	}

	// New key: credential gone, profile marked stale.
	if err := s.Recipients.StoreProfileKey(id, []byte("pk-2")); err != nil {
		t.Fatal(err)
	}
	cred, err = s.Recipients.GetProfileKeyCredential(id)
	if err != nil {
		t.Fatal(err)
	}
	if cred != nil {
		t.Fatal("credential should be dropped with the old key")
	}
	profile, err := s.Recipients.GetProfile(id)
	if err != nil {
		t.Fatal(err)
	}
	if profile == nil || profile.LastUpdateTimestamp != 0 {
		t.Fatalf("profile = %+v, want last update reset", profile)
	}
	pk, err := s.Recipients.GetProfileKey(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(pk) != "pk-2" {
		t.Fatalf("profile key = %q", pk)
	}
}

// A recipient row that no longer decodes is a broken trust chain and must
// surface, unlike a session blob.
func TestMalformedRecipientRowIsFatal(t *testing.T) {
	s := tempStore(t)
	id := makeRecipient(t, s, NewUUIDAddress(uuidA))

	if _, err := s.db.Exec("UPDATE recipients SET content = ? WHERE id = ?", []byte{0xff, 0xff, 0xff}, int64(id)); err != nil {
		t.Fatal(err)
	}

	_, err := s.Recipients.GetRecipient(id)
	if !errors.Is(err, protocol.ErrMalformedRecord) {
		t.Fatalf("err = %v, want ErrMalformedRecord", err)
	}
}

func TestMergeMapChase(t *testing.T) {
	m := NewMergeMap()
	if m.Chase(7) != 7 {
		t.Fatal("unmapped id chases to itself")
	}
	m.Add(7, 5)
	m.Add(5, 3)
	if got := m.Chase(7); got != 3 {
		t.Fatalf("chase(7) = %d, want transitive 3", got)
	}
	if got := m.Chase(5); got != 3 {
		t.Fatalf("chase(5) = %d, want 3", got)
	}
}
