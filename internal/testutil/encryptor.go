package testutil

import (
	"disposisi-go/internal/disposisi"
	"disposisi-go/internal/encryption"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() disposisi.Encryptor {
	return encryption.NewTestEncryptor()
}
