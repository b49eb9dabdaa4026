package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	encryptor, err := NewEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}

func TestNewEncryptor(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		key := make([]byte, 32)
		encryptor, err := NewEncryptor(base64.StdEncoding.EncodeToString(key))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if encryptor == nil {
			t.Fatal("Expected encryptor, got nil")
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := NewEncryptor("not-valid-base64!!!"); err == nil {
			t.Fatal("Expected error for invalid base64, got nil")
		}
	})

	t.Run("wrong key length", func(t *testing.T) {
		key := make([]byte, 16)
		if _, err := NewEncryptor(base64.StdEncoding.EncodeToString(key)); err == nil {
			t.Fatal("Expected error for wrong key length, got nil")
		}
	})
}

func TestSealOpen(t *testing.T) {
	encryptor := newTestEncryptor(t)

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"simple password", "mypassword123"},
		{"complex password", "P@ssw0rd!#$%^&*()"},
		{"empty string", ""},
		{"unicode", "пароль密码🔐"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := encryptor.Seal("account-1", tc.plaintext)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}

			opened, err := encryptor.Open("account-1", sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if opened != tc.plaintext {
				t.Errorf("Expected %q, got %q", tc.plaintext, opened)
			}
		})
	}
}

func TestSealProducesDifferentCiphertext(t *testing.T) {
	encryptor := newTestEncryptor(t)

	first, err := encryptor.Seal("account-1", "same password")
	if err != nil {
		t.Fatalf("First seal failed: %v", err)
	}
	second, err := encryptor.Seal("account-1", "same password")
	if err != nil {
		t.Fatalf("Second seal failed: %v", err)
	}

	if string(first) == string(second) {
		t.Error("Expected different ciphertexts for same plaintext")
	}
}

func TestOpenRejects(t *testing.T) {
	encryptor := newTestEncryptor(t)

	t.Run("too short", func(t *testing.T) {
		_, err := encryptor.Open("account-1", []byte("short"))
		if !errors.Is(err, ErrDecrypt) {
			t.Errorf("Expected ErrDecrypt, got %v", err)
		}
	})

	t.Run("corrupted data", func(t *testing.T) {
		sealed, _ := encryptor.Seal("account-1", "test")
		sealed[len(sealed)-1] ^= 0xFF

		if _, err := encryptor.Open("account-1", sealed); !errors.Is(err, ErrDecrypt) {
			t.Errorf("Expected ErrDecrypt, got %v", err)
		}
	})

	t.Run("other account", func(t *testing.T) {
		sealed, _ := encryptor.Seal("account-1", "test")

		if _, err := encryptor.Open("account-2", sealed); !errors.Is(err, ErrDecrypt) {
			t.Errorf("Expected ErrDecrypt, got %v", err)
		}
	})
}
