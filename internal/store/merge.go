package store

import (
	"database/sql"
)

// mergeTx absorbs one recipient into another. It runs inside the caller's
// transaction, which already spans the recipient table and every dependent
// table, so a failure anywhere rolls back the whole merge. Invoked only by
// the resolver once a trusted resolution proves two records are the same
// contact.
//
// Idempotent: when the absorbed row is already gone (a racing resolution
// merged it first), nothing happens.
func (s *RecipientStore) mergeTx(tx *sql.Tx, survivor, absorbed RecipientId) error {
	absorbedRec, ok, err := s.table.GetTx(tx, int64(absorbed))
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("merge skipped, recipient already absorbed", "absorbed", absorbed)
		return nil
	}

	for _, d := range s.dependents {
		if err := d.mergeRecipientsTx(tx, survivor, absorbed); err != nil {
			return err
		}
	}

	survivorRec, ok, err := s.table.GetTx(tx, int64(survivor))
	if err != nil {
		return err
	}
	if !ok {
		// The survivor row was written earlier in this same transaction.
		survivorRec = &Recipient{ID: survivor}
	}

	// Field-wise adoption: the survivor's value wins wherever it has one.
	if survivorRec.Contact == nil {
		survivorRec.Contact = absorbedRec.Contact
	}
	if survivorRec.ProfileKey == nil {
		survivorRec.ProfileKey = absorbedRec.ProfileKey
	}
	if survivorRec.ProfileKeyCredential == nil {
		survivorRec.ProfileKeyCredential = absorbedRec.ProfileKeyCredential
	}
	if survivorRec.Profile == nil {
		survivorRec.Profile = absorbedRec.Profile
	}
	if err := s.putTx(tx, survivorRec); err != nil {
		return err
	}
	return s.table.RemoveTx(tx, int64(absorbed))
}

// applyMergeLocked publishes the redirect and drops dependent-table cache
// entries for both sides of the merge. Called with the store mutex held,
// after the merge transaction committed.
func (s *RecipientStore) applyMergeLocked(survivor, absorbed RecipientId) {
	s.merged.Add(absorbed, survivor)
	for _, d := range s.dependents {
		d.invalidateRecipient(absorbed)
		d.invalidateRecipient(survivor)
	}
}

// notifyMerge fires the registered merge handlers outside the store lock,
// so handlers are free to call back into the store.
func (s *RecipientStore) notifyMerge(survivor, absorbed RecipientId) {
	s.mu.Lock()
	handlers := append([]MergeHandler(nil), s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(survivor, absorbed)
	}
}
