package protocol

import "fmt"

// SenderKeyRecord is the per-sender group ratchet state. The content is
// owned by the protocol layer; the store only round-trips it.
type SenderKeyRecord struct {
	data []byte
}

// NewSenderKeyRecord wraps serialized sender key state.
func NewSenderKeyRecord(data []byte) *SenderKeyRecord {
	return &SenderKeyRecord{data: append([]byte(nil), data...)}
}

// Serialize returns the raw record bytes.
func (r *SenderKeyRecord) Serialize() []byte {
	return append([]byte(nil), r.data...)
}

// DeserializeSenderKeyRecord validates and wraps stored sender key bytes.
func DeserializeSenderKeyRecord(data []byte) (*SenderKeyRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty sender key record", ErrMalformedRecord)
	}
	return NewSenderKeyRecord(data), nil
}
