package util

import (
	"github.com/oklog/ulid/v2"
)

// New generates a new ULID string. Campaign and message ids are ULIDs so that
// lexical order follows creation time.
func New() string {
	return ulid.Make().String()
}
