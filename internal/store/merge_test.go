package store

import (
	"database/sql"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kryptoworx-io/kx-signal-cli/internal/protocol"
	"github.com/kryptoworx-io/kx-signal-cli/internal/sqlmap"
)

func activeSession() *protocol.SessionRecord {
	rec := protocol.NewSessionRecord()
	rec.InitializeState(protocol.CurrentVersion, []byte("chain"), []byte("ident"))
	return rec
}

// mergeDirect drives the merge machinery the way a trusted resolution
// does, without going through the decision table.
func mergeDirect(t *testing.T, s *Store, survivor, absorbed RecipientId) {
	t.Helper()
	rs := s.Recipients
	rs.mu.Lock()
	err := sqlmap.Transact(rs.db, func(tx *sql.Tx) error {
		return rs.mergeTx(tx, survivor, absorbed)
	})
	if err == nil {
		rs.applyMergeLocked(survivor, absorbed)
	}
	rs.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	rs.notifyMerge(survivor, absorbed)
}

func makeRecipient(t *testing.T, s *Store, addr RecipientAddress) RecipientId {
	t.Helper()
	id, err := s.Recipients.ResolveTrusted(addr)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// Survivor sessions win per device: its own device-1 session stays, the
// absorbed recipient's sessions for other devices move over.
func TestMergeMovesSessionsPerDevice(t *testing.T) {
	s := tempStore(t)
	survivor := makeRecipient(t, s, NewUUIDAddress(uuidA))
	absorbed := makeRecipient(t, s, NewNumberAddress(numberA))

	if err := s.Sessions.StoreSession(survivor, 1, activeSession()); err != nil {
		t.Fatal(err)
	}
	for _, device := range []uint32{2, 3} {
		if err := s.Sessions.StoreSession(absorbed, device, activeSession()); err != nil {
			t.Fatal(err)
		}
	}

	mergeDirect(t, s, survivor, absorbed)

	devices, err := s.Sessions.ActiveDevices(survivor)
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	if len(devices) != 3 || devices[0] != 1 || devices[1] != 2 || devices[2] != 3 {
		t.Fatalf("active devices = %v, want [1 2 3]", devices)
	}

	sub, err := s.Sessions.SubDeviceSessions(survivor)
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(sub, func(i, j int) bool { return sub[i] < sub[j] })
	if len(sub) != 2 || sub[0] != 2 || sub[1] != 3 {
		t.Fatalf("sub devices = %v, want [2 3]", sub)
	}
}

func TestMergeDropsConflictingSession(t *testing.T) {
	s := tempStore(t)
	survivor := makeRecipient(t, s, NewUUIDAddress(uuidA))
	absorbed := makeRecipient(t, s, NewNumberAddress(numberA))

	keep := activeSession()
	if err := s.Sessions.StoreSession(survivor, 1, keep); err != nil {
		t.Fatal(err)
	}
	if err := s.Sessions.StoreSession(absorbed, 1, activeSession()); err != nil {
		t.Fatal(err)
	}

	mergeDirect(t, s, survivor, absorbed)

	got, err := s.Sessions.LoadSession(survivor, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsActive() {
		t.Fatal("survivor session should remain live")
	}
	devices, err := s.Sessions.ActiveDevices(survivor)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 {
		t.Fatalf("active devices = %v, want one", devices)
	}
}

// After a merge nothing in any dependent table is still keyed by the
// absorbed id.
func TestMergeLeavesNoAbsorbedRows(t *testing.T) {
	s := tempStore(t)
	survivor := makeRecipient(t, s, NewUUIDAddress(uuidA))
	absorbed := makeRecipient(t, s, NewNumberAddress(numberA))

	if err := s.Sessions.StoreSession(absorbed, 2, activeSession()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Identities.SaveIdentity(absorbed, []byte("key-b"), time.Now()); err != nil {
		t.Fatal(err)
	}
	dist := uuid.MustParse("99999999-9999-4999-8999-999999999999")
	if err := s.SenderKeys.StoreSenderKey(absorbed, 1, dist, protocol.NewSenderKeyRecord([]byte("sk"))); err != nil {
		t.Fatal(err)
	}
	if err := s.SenderKeys.MarkSharedWith(dist, absorbed, 1); err != nil {
		t.Fatal(err)
	}
	gid := GroupId([]byte("group-one"))
	if err := s.Groups.StoreGroup(&Group{ID: gid, Name: "one"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Groups.AddMembers(gid, absorbed); err != nil {
		t.Fatal(err)
	}

	mergeDirect(t, s, survivor, absorbed)

	for _, table := range []string{"sessions", "sender_keys", "sender_keys_shared", "group_members"} {
		var n int
		err := s.db.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE recipient = ?", int64(absorbed)).Scan(&n)
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Fatalf("%s still holds %d rows for the absorbed id", table, n)
		}
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM identities WHERE id = ?", int64(absorbed)).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatal("identities still holds a row for the absorbed id")
	}

	// And everything is reachable under the survivor.
	ok, err := s.Sessions.ContainsSession(survivor, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("session not reachable via survivor")
	}
	idRec, err := s.Identities.GetIdentity(survivor)
	if err != nil {
		t.Fatal(err)
	}
	if idRec == nil || string(idRec.Key) != "key-b" {
		t.Fatalf("identity record = %+v", idRec)
	}
	sk, err := s.SenderKeys.LoadSenderKey(survivor, 1, dist)
	if err != nil {
		t.Fatal(err)
	}
	if sk == nil {
		t.Fatal("sender key not reachable via survivor")
	}
	shared, err := s.SenderKeys.IsSharedWith(dist, survivor, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !shared {
		t.Fatal("shared-with entry not reachable via survivor")
	}
	members, err := s.Groups.Members(gid)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != survivor {
		t.Fatalf("members = %v, want [%d]", members, survivor)
	}
}

// Applying the same merge twice produces the same state as applying it
// once: the second call no-ops on the missing absorbed row.
func TestMergeIsIdempotent(t *testing.T) {
	s := tempStore(t)
	survivor := makeRecipient(t, s, NewUUIDAddress(uuidA))
	absorbed := makeRecipient(t, s, NewNumberAddress(numberA))

	if err := s.Sessions.StoreSession(absorbed, 2, activeSession()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Identities.SaveIdentity(absorbed, []byte("key-b"), time.Now()); err != nil {
		t.Fatal(err)
	}
	gid := GroupId([]byte("group-one"))
	if err := s.Groups.AddMembers(gid, survivor, absorbed); err != nil {
		t.Fatal(err)
	}

	mergeDirect(t, s, survivor, absorbed)

	counts := func() map[string]int {
		out := make(map[string]int)
		for _, table := range []string{"recipients", "sessions", "identities", "group_members"} {
			var n int
			if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
				t.Fatal(err)
			}
			out[table] = n
		}
		return out
	}
	before := counts()

	mergeDirect(t, s, survivor, absorbed)

	after := counts()
	for table, n := range before {
		if after[table] != n {
			t.Fatalf("%s row count changed from %d to %d", table, n, after[table])
		}
	}
	// At most one identity record for the survivor.
	if after["identities"] != 1 {
		t.Fatalf("identities = %d, want 1", after["identities"])
	}
	// Group membership collapsed to one row.
	if after["group_members"] != 1 {
		t.Fatalf("group_members = %d, want 1", after["group_members"])
	}
}

func TestMergeKeepsSurvivorIdentity(t *testing.T) {
	s := tempStore(t)
	survivor := makeRecipient(t, s, NewUUIDAddress(uuidA))
	absorbed := makeRecipient(t, s, NewNumberAddress(numberA))

	if _, err := s.Identities.SaveIdentity(survivor, []byte("key-s"), time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Identities.SaveIdentity(absorbed, []byte("key-a"), time.Now()); err != nil {
		t.Fatal(err)
	}

	mergeDirect(t, s, survivor, absorbed)

	rec, err := s.Identities.GetIdentity(survivor)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || string(rec.Key) != "key-s" {
		t.Fatalf("identity = %+v, want survivor key", rec)
	}
}

func TestMergeAdoptsAbsorbedFields(t *testing.T) {
	s := tempStore(t)
	survivor := makeRecipient(t, s, NewUUIDAddress(uuidA))
	absorbed := makeRecipient(t, s, NewNumberAddress(numberA))

	if err := s.Recipients.StoreContact(survivor, &Contact{Name: "Kept"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Recipients.StoreContact(absorbed, &Contact{Name: "Dropped"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Recipients.StoreProfileKey(absorbed, []byte("pk-absorbed")); err != nil {
		t.Fatal(err)
	}

	mergeDirect(t, s, survivor, absorbed)

	contact, err := s.Recipients.GetContact(survivor)
	if err != nil {
		t.Fatal(err)
	}
	if contact == nil || contact.Name != "Kept" {
		t.Fatalf("contact = %+v, want survivor's", contact)
	}
	pk, err := s.Recipients.GetProfileKey(survivor)
	if err != nil {
		t.Fatal(err)
	}
	if string(pk) != "pk-absorbed" {
		t.Fatalf("profile key = %q, want adopted value", pk)
	}
}

func TestMergeHandlerFires(t *testing.T) {
	var gotSurvivor, gotAbsorbed RecipientId
	calls := 0
	s := tempStore(t, WithMergeHandler(func(survivor, absorbed RecipientId) {
		calls++
		gotSurvivor, gotAbsorbed = survivor, absorbed
	}))

	numID := makeRecipient(t, s, NewNumberAddress(numberA))
	uuidID := makeRecipient(t, s, NewUUIDAddress(uuidA))

	got, err := s.Recipients.ResolveTrusted(NewRecipientAddress(uuidA, numberA))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if gotSurvivor != got || gotSurvivor != uuidID || gotAbsorbed != numID {
		t.Fatalf("handler saw (%d, %d), want (%d, %d)", gotSurvivor, gotAbsorbed, uuidID, numID)
	}
}

// A handler may call back into the store; the merge lock is released
// before handlers run.
func TestMergeHandlerMayUseStore(t *testing.T) {
	var s *Store
	done := make(chan struct{})
	s = tempStore(t, WithMergeHandler(func(survivor, absorbed RecipientId) {
		defer close(done)
		if _, err := s.Recipients.GetRecipient(survivor); err != nil {
			t.Errorf("handler store access failed: %v", err)
		}
	}))

	makeRecipient(t, s, NewNumberAddress(numberA))
	makeRecipient(t, s, NewUUIDAddress(uuidA))
	if _, err := s.Recipients.ResolveTrusted(NewRecipientAddress(uuidA, numberA)); err != nil {
		t.Fatal(err)
	}
	<-done
}
