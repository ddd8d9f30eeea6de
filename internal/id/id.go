package id

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gofrs/uuid/v5"
)

// New returns a random identifier in canonical UUIDv4 form.
func New() string {
	u, err := uuid.NewV4()
	if err != nil {
		var b [16]byte
		_, _ = rand.Read(b[:])
		return hex.EncodeToString(b[:])
	}
	return u.String()
}
