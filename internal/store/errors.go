package store

import (
	"errors"
	"fmt"
)

// Account file version gates. A file from a newer version must fail fast
// rather than be partially understood; same for files older than the
// supported minimum.
var (
	ErrVersionTooNew = errors.New("store: account file was created by a newer version")
	ErrVersionTooOld = errors.New("store: account file version is no longer supported")
)

// UnresolvedIdentifierError reports a phone number that matched no
// uuid-bearing recipient and for which no uuid could be supplied.
type UnresolvedIdentifierError struct {
	Number string
}

func (e *UnresolvedIdentifierError) Error() string {
	return fmt.Sprintf("store: no uuid known for number %s", e.Number)
}
