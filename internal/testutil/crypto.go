package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/mailsync/internal/crypto"
)

// testKey returns 32 bytes of 0x01..0x20, base64 encoded. Every package
// sealing with it can open what another package sealed.
func testKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// NewTestEncryptor returns an encryptor over the fixed test key.
func NewTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	encryptor, err := crypto.NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	return encryptor
}

// SealPassword seals password for accountID with the test key.
func SealPassword(t *testing.T, accountID, password string) []byte {
	t.Helper()

	sealed, err := NewTestEncryptor(t).Seal(accountID, password)
	if err != nil {
		t.Fatalf("failed to seal password for %s: %v", accountID, err)
	}
	return sealed
}
