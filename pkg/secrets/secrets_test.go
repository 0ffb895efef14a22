package secrets

import "testing"

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	key := DeriveKey("correct horse battery staple", salt)

	plaintext := "super-secret-api-key"
	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatalf("ciphertext must not equal plaintext")
	}

	got, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a := DeriveKey("pw", salt)
	b := DeriveKey("pw", salt)
	if string(a) != string(b) {
		t.Fatalf("same passphrase+salt must derive the same key")
	}
	c := DeriveKey("other", salt)
	if string(a) == string(c) {
		t.Fatalf("different passphrases must derive different keys")
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	salt, _ := NewSalt()
	key1 := DeriveKey("pw1", salt)
	key2 := DeriveKey("pw2", salt)

	ciphertext, err := Encrypt("data", key1)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, key2); err == nil {
		t.Fatalf("expected decryption failure with the wrong key")
	}
}
