package store

import (
	"testing"
)

func TestGroupRoundTrip(t *testing.T) {
	s := tempStore(t)
	gid := GroupId([]byte("group-bytes"))

	got, err := s.Groups.GetGroup(gid)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("unknown group should be nil")
	}

	if err := s.Groups.StoreGroup(&Group{ID: gid, Name: "Friends", Archived: true}); err != nil {
		t.Fatal(err)
	}
	got, err = s.Groups.GetGroup(gid)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "Friends" || !got.Archived || got.Blocked {
		t.Fatalf("got %+v", got)
	}
	if got.ID.String() != gid.String() {
		t.Fatalf("id %s, want %s", got.ID, gid)
	}
}

func TestGroupMembership(t *testing.T) {
	s := tempStore(t)
	gid := GroupId([]byte("group-one"))
	a := makeRecipient(t, s, NewUUIDAddress(uuidA))
	b := makeRecipient(t, s, NewUUIDAddress(uuidB))

	if err := s.Groups.AddMembers(gid, a, b); err != nil {
		t.Fatal(err)
	}
	// Re-adding collapses.
	if err := s.Groups.AddMembers(gid, a); err != nil {
		t.Fatal(err)
	}

	members, err := s.Groups.Members(gid)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v, want 2", members)
	}

	groups, err := s.Groups.GroupsWithMember(a)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].String() != gid.String() {
		t.Fatalf("groups = %v", groups)
	}

	if err := s.Groups.RemoveMember(gid, a); err != nil {
		t.Fatal(err)
	}
	members, err = s.Groups.Members(gid)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != b {
		t.Fatalf("members = %v, want [%d]", members, b)
	}
}

func TestRemoveGroupDropsMembership(t *testing.T) {
	s := tempStore(t)
	gid := GroupId([]byte("group-one"))
	a := makeRecipient(t, s, NewUUIDAddress(uuidA))

	if err := s.Groups.StoreGroup(&Group{ID: gid, Name: "One"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Groups.AddMembers(gid, a); err != nil {
		t.Fatal(err)
	}
	if err := s.Groups.RemoveGroup(gid); err != nil {
		t.Fatal(err)
	}

	got, err := s.Groups.GetGroup(gid)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("group row should be gone")
	}
	members, err := s.Groups.Members(gid)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Fatalf("members = %v, want none", members)
	}
}
