package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CurrentVersion is the protocol version live sessions must run.
const CurrentVersion = 3

// ErrMalformedRecord signals a stored record that no longer decodes.
var ErrMalformedRecord = errors.New("protocol: malformed record")

const maxArchivedStates = 40

// SessionState is the ratchet state of one session epoch.
type SessionState struct {
	Version           uint32
	SenderChainKey    []byte
	RemoteIdentityKey []byte
}

// SessionRecord holds the current session state plus archived previous
// states, so out-of-order messages on an old chain can still decrypt.
type SessionRecord struct {
	current  *SessionState
	previous []*SessionState
}

// NewSessionRecord returns a fresh record with no established session.
func NewSessionRecord() *SessionRecord {
	return &SessionRecord{}
}

// InitializeState installs a new current session state, archiving any
// existing one. The protocol layer calls this after a completed handshake.
func (r *SessionRecord) InitializeState(version uint32, senderChainKey, remoteIdentityKey []byte) {
	r.ArchiveCurrentState()
	r.current = &SessionState{
		Version:           version,
		SenderChainKey:    senderChainKey,
		RemoteIdentityKey: remoteIdentityKey,
	}
}

// HasSenderChain reports whether the record has a live sending chain.
func (r *SessionRecord) HasSenderChain() bool {
	return r.current != nil && len(r.current.SenderChainKey) > 0
}

// Version returns the protocol version of the current state, or 0 if the
// record has no current state.
func (r *SessionRecord) Version() uint32 {
	if r.current == nil {
		return 0
	}
	return r.current.Version
}

// IsActive reports whether the record can encrypt right now: a live sender
// chain at the currently supported protocol version. This is derived from
// the record itself, never stored.
func (r *SessionRecord) IsActive() bool {
	return r.HasSenderChain() && r.Version() == CurrentVersion
}

// ArchiveCurrentState moves the current state to the archived list. The
// session rows stay in place; only the record content changes.
func (r *SessionRecord) ArchiveCurrentState() {
	if r.current == nil {
		return
	}
	r.previous = append([]*SessionState{r.current}, r.previous...)
	if len(r.previous) > maxArchivedStates {
		r.previous = r.previous[:maxArchivedStates]
	}
	r.current = nil
}

const (
	sessionFieldCurrent  = 1
	sessionFieldPrevious = 2

	stateFieldVersion        = 1
	stateFieldSenderChainKey = 2
	stateFieldRemoteIdentity = 3
)

// Serialize encodes the record in protobuf wire format.
func (r *SessionRecord) Serialize() []byte {
	var b []byte
	if r.current != nil {
		b = protowire.AppendTag(b, sessionFieldCurrent, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSessionState(r.current))
	}
	for _, st := range r.previous {
		b = protowire.AppendTag(b, sessionFieldPrevious, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSessionState(st))
	}
	return b
}

func marshalSessionState(st *SessionState) []byte {
	var b []byte
	b = protowire.AppendTag(b, stateFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(st.Version))
	if len(st.SenderChainKey) > 0 {
		b = protowire.AppendTag(b, stateFieldSenderChainKey, protowire.BytesType)
		b = protowire.AppendBytes(b, st.SenderChainKey)
	}
	if len(st.RemoteIdentityKey) > 0 {
		b = protowire.AppendTag(b, stateFieldRemoteIdentity, protowire.BytesType)
		b = protowire.AppendBytes(b, st.RemoteIdentityKey)
	}
	return b
}

// DeserializeSessionRecord decodes a serialized session record.
func DeserializeSessionRecord(data []byte) (*SessionRecord, error) {
	r := &SessionRecord{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: session tag", ErrMalformedRecord)
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: session field %d", ErrMalformedRecord, num)
		}
		raw, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: session field %d", ErrMalformedRecord, num)
		}
		data = data[n:]

		st, err := unmarshalSessionState(raw)
		if err != nil {
			return nil, err
		}
		switch num {
		case sessionFieldCurrent:
			r.current = st
		case sessionFieldPrevious:
			r.previous = append(r.previous, st)
		}
	}
	return r, nil
}

func unmarshalSessionState(data []byte) (*SessionState, error) {
	st := &SessionState{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: state tag", ErrMalformedRecord)
		}
		data = data[n:]
		switch {
		case num == stateFieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: state version", ErrMalformedRecord)
			}
			st.Version = uint32(v)
			data = data[n:]
		case typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: state field %d", ErrMalformedRecord, num)
			}
			switch num {
			case stateFieldSenderChainKey:
				st.SenderChainKey = append([]byte(nil), raw...)
			case stateFieldRemoteIdentity:
				st.RemoteIdentityKey = append([]byte(nil), raw...)
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: state field %d", ErrMalformedRecord, num)
			}
			data = data[n:]
		}
	}
	return st, nil
}
