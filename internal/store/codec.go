package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kryptoworx-io/kx-signal-cli/internal/protocol"
)

// Wire codecs for the recipient and identity payload columns. These rows
// must always decode; a failure here is fatal, unlike session blobs.

const (
	recipientFieldID         = 1
	recipientFieldUUID       = 2
	recipientFieldNumber     = 3
	recipientFieldContact    = 4
	recipientFieldProfileKey = 5
	recipientFieldCredential = 6
	recipientFieldProfile    = 7

	contactFieldName       = 1
	contactFieldColor      = 2
	contactFieldExpiration = 3
	contactFieldBlocked    = 4
	contactFieldArchived   = 5

	profileFieldLastUpdate = 1
	profileFieldGivenName  = 2
	profileFieldFamilyName = 3
	profileFieldAbout      = 4
	profileFieldAboutEmoji = 5
	profileFieldAccessMode = 6
	profileFieldCapability = 7

	identityFieldKey   = 1
	identityFieldTrust = 2
	identityFieldAdded = 3
)

func marshalRecipient(id int64, r *Recipient) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, recipientFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	if r.Address.UUID != nil {
		b = protowire.AppendTag(b, recipientFieldUUID, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Address.UUID[:])
	}
	if r.Address.Number != "" {
		b = protowire.AppendTag(b, recipientFieldNumber, protowire.BytesType)
		b = protowire.AppendString(b, r.Address.Number)
	}
	if r.Contact != nil {
		b = protowire.AppendTag(b, recipientFieldContact, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalContact(r.Contact))
	}
	if r.ProfileKey != nil {
		b = protowire.AppendTag(b, recipientFieldProfileKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.ProfileKey)
	}
	if r.ProfileKeyCredential != nil {
		b = protowire.AppendTag(b, recipientFieldCredential, protowire.BytesType)
		b = protowire.AppendBytes(b, r.ProfileKeyCredential)
	}
	if r.Profile != nil {
		b = protowire.AppendTag(b, recipientFieldProfile, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalProfile(r.Profile))
	}
	return b, nil
}

func marshalContact(c *Contact) []byte {
	var b []byte
	b = protowire.AppendTag(b, contactFieldName, protowire.BytesType)
	b = protowire.AppendString(b, c.Name)
	b = protowire.AppendTag(b, contactFieldColor, protowire.BytesType)
	b = protowire.AppendString(b, c.Color)
	b = protowire.AppendTag(b, contactFieldExpiration, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.MessageExpirationSeconds))
	b = protowire.AppendTag(b, contactFieldBlocked, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(c.Blocked))
	b = protowire.AppendTag(b, contactFieldArchived, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(c.Archived))
	return b
}

func marshalProfile(p *Profile) []byte {
	var b []byte
	b = protowire.AppendTag(b, profileFieldLastUpdate, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.LastUpdateTimestamp))
	b = protowire.AppendTag(b, profileFieldGivenName, protowire.BytesType)
	b = protowire.AppendString(b, p.GivenName)
	b = protowire.AppendTag(b, profileFieldFamilyName, protowire.BytesType)
	b = protowire.AppendString(b, p.FamilyName)
	b = protowire.AppendTag(b, profileFieldAbout, protowire.BytesType)
	b = protowire.AppendString(b, p.About)
	b = protowire.AppendTag(b, profileFieldAboutEmoji, protowire.BytesType)
	b = protowire.AppendString(b, p.AboutEmoji)
	b = protowire.AppendTag(b, profileFieldAccessMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.UnidentifiedAccessMode))
	for _, c := range normalizeCapabilities(p.Capabilities) {
		b = protowire.AppendTag(b, profileFieldCapability, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c))
	}
	return b
}

func boolVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func unmarshalRecipient(id int64, data []byte) (*Recipient, error) {
	r := &Recipient{ID: RecipientId(id)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: recipient %d", protocol.ErrMalformedRecord, id)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: recipient %d field %d", protocol.ErrMalformedRecord, id, num)
			}
			if num == recipientFieldID {
				r.ID = RecipientId(v)
			}
			data = data[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: recipient %d field %d", protocol.ErrMalformedRecord, id, num)
			}
			data = data[n:]
			switch num {
			case recipientFieldUUID:
				u, err := uuid.FromBytes(raw)
				if err != nil {
					return nil, fmt.Errorf("%w: recipient %d uuid: %v", protocol.ErrMalformedRecord, id, err)
				}
				r.Address.UUID = &u
			case recipientFieldNumber:
				r.Address.Number = string(raw)
			case recipientFieldContact:
				c, err := unmarshalContact(raw)
				if err != nil {
					return nil, fmt.Errorf("%w: recipient %d contact: %v", protocol.ErrMalformedRecord, id, err)
				}
				r.Contact = c
			case recipientFieldProfileKey:
				r.ProfileKey = append([]byte(nil), raw...)
			case recipientFieldCredential:
				r.ProfileKeyCredential = append([]byte(nil), raw...)
			case recipientFieldProfile:
				p, err := unmarshalProfile(raw)
				if err != nil {
					return nil, fmt.Errorf("%w: recipient %d profile: %v", protocol.ErrMalformedRecord, id, err)
				}
				r.Profile = p
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: recipient %d field %d", protocol.ErrMalformedRecord, id, num)
			}
			data = data[n:]
		}
	}
	if !r.Address.IsValid() {
		return nil, fmt.Errorf("%w: recipient %d has no address", protocol.ErrMalformedRecord, id)
	}
	return r, nil
}

func unmarshalContact(data []byte) (*Contact, error) {
	c := &Contact{}
	err := walkFields(data, func(num protowire.Number, raw []byte, v uint64) {
		switch num {
		case contactFieldName:
			c.Name = string(raw)
		case contactFieldColor:
			c.Color = string(raw)
		case contactFieldExpiration:
			c.MessageExpirationSeconds = int(v)
		case contactFieldBlocked:
			c.Blocked = v != 0
		case contactFieldArchived:
			c.Archived = v != 0
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshalProfile(data []byte) (*Profile, error) {
	p := &Profile{}
	err := walkFields(data, func(num protowire.Number, raw []byte, v uint64) {
		switch num {
		case profileFieldLastUpdate:
			p.LastUpdateTimestamp = int64(v)
		case profileFieldGivenName:
			p.GivenName = string(raw)
		case profileFieldFamilyName:
			p.FamilyName = string(raw)
		case profileFieldAbout:
			p.About = string(raw)
		case profileFieldAboutEmoji:
			p.AboutEmoji = string(raw)
		case profileFieldAccessMode:
			p.UnidentifiedAccessMode = UnidentifiedAccessMode(v)
		case profileFieldCapability:
			p.Capabilities = append(p.Capabilities, Capability(v))
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func marshalIdentity(_ int64, rec *IdentityRecord) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, identityFieldKey, protowire.BytesType)
	b = protowire.AppendBytes(b, rec.Key)
	b = protowire.AppendTag(b, identityFieldTrust, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Trust))
	b = protowire.AppendTag(b, identityFieldAdded, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Added.UnixMilli()))
	return b, nil
}

func unmarshalIdentity(id int64, data []byte) (*IdentityRecord, error) {
	rec := &IdentityRecord{RecipientID: RecipientId(id)}
	err := walkFields(data, func(num protowire.Number, raw []byte, v uint64) {
		switch num {
		case identityFieldKey:
			rec.Key = append([]byte(nil), raw...)
		case identityFieldTrust:
			rec.Trust = TrustLevel(v)
		case identityFieldAdded:
			rec.Added = time.UnixMilli(int64(v))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: identity %d: %v", protocol.ErrMalformedRecord, id, err)
	}
	if len(rec.Key) == 0 {
		return nil, fmt.Errorf("%w: identity %d has no key", protocol.ErrMalformedRecord, id)
	}
	return rec, nil
}

// walkFields iterates varint and bytes fields, skipping unknown wire types.
func walkFields(data []byte, fn func(num protowire.Number, raw []byte, v uint64)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("bad tag")
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("bad varint field %d", num)
			}
			fn(num, nil, v)
			data = data[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("bad bytes field %d", num)
			}
			fn(num, raw, 0)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("bad field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}
