package testutil

import (
	"testing"

	"github.com/vdavid/mailsync/internal/crypto"
)

// EncryptionKey is the base64 form of a fixed 32-byte key used by tests and
// the local dev server. Never use it outside a throwaway environment.
const EncryptionKey = "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM="

// NewTestEncryptor returns an Encryptor keyed with EncryptionKey.
func NewTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	encryptor, err := crypto.NewEncryptor(EncryptionKey)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}
