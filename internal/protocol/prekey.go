package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PreKeyRecord is a one-time pre-key pair published to the server.
type PreKeyRecord struct {
	ID         uint32
	PublicKey  []byte
	PrivateKey []byte
}

// SignedPreKeyRecord is a medium-term pre-key pair signed by the identity key.
type SignedPreKeyRecord struct {
	ID         uint32
	PublicKey  []byte
	PrivateKey []byte
	Signature  []byte
	Timestamp  int64
}

const (
	preKeyFieldID        = 1
	preKeyFieldPublic    = 2
	preKeyFieldPrivate   = 3
	preKeyFieldSignature = 4
	preKeyFieldTimestamp = 5
)

// Serialize encodes the record in protobuf wire format.
func (r *PreKeyRecord) Serialize() []byte {
	var b []byte
	b = protowire.AppendTag(b, preKeyFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ID))
	b = protowire.AppendTag(b, preKeyFieldPublic, protowire.BytesType)
	b = protowire.AppendBytes(b, r.PublicKey)
	b = protowire.AppendTag(b, preKeyFieldPrivate, protowire.BytesType)
	b = protowire.AppendBytes(b, r.PrivateKey)
	return b
}

// DeserializePreKeyRecord decodes a serialized pre-key record.
func DeserializePreKeyRecord(data []byte) (*PreKeyRecord, error) {
	r := &PreKeyRecord{}
	err := consumeFields(data, "pre-key", func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) {
		switch num {
		case preKeyFieldID:
			r.ID = uint32(v)
		case preKeyFieldPublic:
			r.PublicKey = append([]byte(nil), raw...)
		case preKeyFieldPrivate:
			r.PrivateKey = append([]byte(nil), raw...)
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Serialize encodes the record in protobuf wire format.
func (r *SignedPreKeyRecord) Serialize() []byte {
	var b []byte
	b = protowire.AppendTag(b, preKeyFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ID))
	b = protowire.AppendTag(b, preKeyFieldPublic, protowire.BytesType)
	b = protowire.AppendBytes(b, r.PublicKey)
	b = protowire.AppendTag(b, preKeyFieldPrivate, protowire.BytesType)
	b = protowire.AppendBytes(b, r.PrivateKey)
	b = protowire.AppendTag(b, preKeyFieldSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Signature)
	b = protowire.AppendTag(b, preKeyFieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Timestamp))
	return b
}

// DeserializeSignedPreKeyRecord decodes a serialized signed pre-key record.
func DeserializeSignedPreKeyRecord(data []byte) (*SignedPreKeyRecord, error) {
	r := &SignedPreKeyRecord{}
	err := consumeFields(data, "signed pre-key", func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) {
		switch num {
		case preKeyFieldID:
			r.ID = uint32(v)
		case preKeyFieldPublic:
			r.PublicKey = append([]byte(nil), raw...)
		case preKeyFieldPrivate:
			r.PrivateKey = append([]byte(nil), raw...)
		case preKeyFieldSignature:
			r.Signature = append([]byte(nil), raw...)
		case preKeyFieldTimestamp:
			r.Timestamp = int64(v)
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// consumeFields walks a protowire message, handing each varint or bytes
// field to fn. Unknown fields are skipped for forward compatibility.
func consumeFields(data []byte, what string, fn func(num protowire.Number, typ protowire.Type, raw []byte, v uint64)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %s tag", ErrMalformedRecord, what)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: %s field %d", ErrMalformedRecord, what, num)
			}
			fn(num, typ, nil, v)
			data = data[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: %s field %d", ErrMalformedRecord, what, num)
			}
			fn(num, typ, raw, 0)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %s field %d", ErrMalformedRecord, what, num)
			}
			data = data[n:]
		}
	}
	return nil
}
