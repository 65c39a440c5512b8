// internal/utils/crypto_test.go
package utils

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keys := []string{
		"short",
		"exactly-thirty-two-bytes-key!!!!",
		"a key that is definitely longer than thirty-two bytes in total",
	}
	for _, key := range keys {
		sealed, err := Encrypt("sk-secret-credential", key)
		if err != nil {
			t.Fatalf("Encrypt with key %q: %v", key, err)
		}
		if sealed == "sk-secret-credential" {
			t.Error("ciphertext should not equal plaintext")
		}
		opened, err := Decrypt(sealed, key)
		if err != nil {
			t.Fatalf("Decrypt with key %q: %v", key, err)
		}
		if opened != "sk-secret-credential" {
			t.Errorf("round trip = %q", opened)
		}
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sealed, err := Encrypt("payload", "key-one")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(sealed, "key-two"); err == nil {
		t.Error("decrypt with wrong key should fail")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	if _, err := Decrypt("not base64 at all!", "key"); err == nil {
		t.Error("non-base64 input should fail")
	}
	// valid base64 but shorter than a nonce
	if _, err := Decrypt("AAAA", "key"); err == nil {
		t.Error("too-short ciphertext should fail")
	}
}
