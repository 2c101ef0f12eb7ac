package store

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kryptoworx-io/kx-signal-cli/internal/sqlmap"
)

// GroupId identifies a group. It is opaque binary handed out by the group
// service.
type GroupId []byte

func (g GroupId) String() string {
	return base64.StdEncoding.EncodeToString(g)
}

// GroupIdFromString parses the base64 form produced by String.
func GroupIdFromString(s string) (GroupId, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("store: bad group id %q: %w", s, err)
	}
	return GroupId(b), nil
}

// Group is the locally stored state of a group.
type Group struct {
	ID       GroupId
	Name     string
	Blocked  bool
	Archived bool
}

const colGroup = "group_id"

// GroupStore holds groups and their membership. Membership rows reference
// recipients by id only, so a recipient merge re-points them.
type GroupStore struct {
	db      *sql.DB
	groups  *sqlmap.Table[string, *Group]
	members *sqlmap.Table[string, []byte]
	log     *slog.Logger
	merged  *MergeMap

	mu sync.Mutex
}

func newGroupStore(db *sql.DB, merged *MergeMap, log *slog.Logger) (*GroupStore, error) {
	groups, err := sqlmap.New(db, "groups",
		sqlmap.Column{Name: "id", Type: "TEXT"}, nil,
		sqlmap.FuncCodec[string, *Group]{
			MarshalFunc:   marshalGroup,
			UnmarshalFunc: unmarshalGroup,
		})
	if err != nil {
		return nil, err
	}
	members, err := sqlmap.New(db, "group_members",
		sqlmap.Column{Name: "key", Type: "TEXT"},
		[]sqlmap.Column{
			{Name: colGroup, Type: "TEXT"},
			{Name: colRecipient, Type: "INTEGER"},
		},
		sqlmap.BytesCodec[string]{})
	if err != nil {
		return nil, err
	}
	return &GroupStore{db: db, groups: groups, members: members, log: log, merged: merged}, nil
}

func memberKey(groupID GroupId, id RecipientId) string {
	return fmt.Sprintf("%s.%d", groupID, id)
}

// StoreGroup persists the group row. Membership is managed separately.
func (s *GroupStore) StoreGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups.Put(g.ID.String(), g)
}

// GetGroup returns the stored group, or nil when unknown.
func (s *GroupStore) GetGroup(groupID GroupId) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok, err := s.groups.Get(groupID.String())
	if err != nil || !ok {
		return nil, err
	}
	return g, nil
}

// Groups returns all stored groups.
func (s *GroupStore) Groups() ([]*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups.Scan()
}

// RemoveGroup deletes the group row and all its membership rows.
func (s *GroupStore) RemoveGroup(groupID GroupId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlmap.Transact(s.db, func(tx *sql.Tx) error {
		if err := s.groups.RemoveTx(tx, groupID.String()); err != nil {
			return err
		}
		return s.members.RemoveByIndexTx(tx, colGroup, groupID.String())
	})
}

// AddMembers records the recipients as members of the group. Re-adding an
// existing member is a no-op.
func (s *GroupStore) AddMembers(groupID GroupId, ids ...RecipientId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlmap.Transact(s.db, func(tx *sql.Tx) error {
		for _, id := range ids {
			id = s.merged.Chase(id)
			key := memberKey(groupID, id)
			if err := s.members.PutTx(tx, key, nil, groupID.String(), int64(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveMember drops the recipient from the group's membership.
func (s *GroupStore) RemoveMember(groupID GroupId, id RecipientId) error {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members.Remove(memberKey(groupID, id))
}

// Members returns the recipient ids that are members of the group.
func (s *GroupStore) Members(groupID GroupId) ([]RecipientId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.members.KeysByIndex(colGroup, groupID.String())
	if err != nil {
		return nil, err
	}
	ids := make([]RecipientId, 0, len(keys))
	for _, key := range keys {
		id, err := memberRecipient(key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GroupsWithMember returns the ids of every group the recipient belongs
// to.
func (s *GroupStore) GroupsWithMember(id RecipientId) ([]GroupId, error) {
	id = s.merged.Chase(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.members.KeysByIndex(colRecipient, int64(id))
	if err != nil {
		return nil, err
	}
	groups := make([]GroupId, 0, len(keys))
	for _, key := range keys {
		gid, err := memberGroup(key)
		if err != nil {
			return nil, err
		}
		groups = append(groups, gid)
	}
	return groups, nil
}

// mergeRecipientsTx replaces the absorbed recipient with the survivor in
// every membership row. A group holding both collapses to one row.
func (s *GroupStore) mergeRecipientsTx(tx *sql.Tx, survivor, absorbed RecipientId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.members.KeysByIndexTx(tx, colRecipient, int64(absorbed))
	if err != nil {
		return err
	}
	for _, key := range keys {
		gid, err := memberGroup(key)
		if err != nil {
			return err
		}
		if err := s.members.RemoveTx(tx, key); err != nil {
			return err
		}
		newKey := memberKey(gid, survivor)
		if err := s.members.PutTx(tx, newKey, nil, gid.String(), int64(survivor)); err != nil {
			return err
		}
	}
	return nil
}

func (s *GroupStore) invalidateRecipient(RecipientId) {}

// Membership keys are "<base64 group id>.<recipient id>"; base64 never
// contains '.', so the last dot is the separator.
func splitMemberKey(key string) (string, string, error) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '.' {
			return key[:i], key[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("store: bad group member row %q", key)
}

func memberGroup(key string) (GroupId, error) {
	enc, _, err := splitMemberKey(key)
	if err != nil {
		return nil, err
	}
	return GroupIdFromString(enc)
}

func memberRecipient(key string) (RecipientId, error) {
	_, num, err := splitMemberKey(key)
	if err != nil {
		return 0, err
	}
	var id int64
	if _, err := fmt.Sscanf(num, "%d", &id); err != nil {
		return 0, fmt.Errorf("store: bad group member row %q", key)
	}
	return RecipientId(id), nil
}

const (
	groupFieldID       = 1
	groupFieldName     = 2
	groupFieldBlocked  = 3
	groupFieldArchived = 4
)

func marshalGroup(_ string, g *Group) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, groupFieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, g.ID)
	if g.Name != "" {
		b = protowire.AppendTag(b, groupFieldName, protowire.BytesType)
		b = protowire.AppendString(b, g.Name)
	}
	if g.Blocked {
		b = protowire.AppendTag(b, groupFieldBlocked, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if g.Archived {
		b = protowire.AppendTag(b, groupFieldArchived, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

func unmarshalGroup(_ string, data []byte) (*Group, error) {
	g := &Group{}
	err := walkFields(data, func(num protowire.Number, raw []byte, v uint64) {
		switch num {
		case groupFieldID:
			g.ID = GroupId(append([]byte(nil), raw...))
		case groupFieldName:
			g.Name = string(raw)
		case groupFieldBlocked:
			g.Blocked = v != 0
		case groupFieldArchived:
			g.Archived = v != 0
		}
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}
