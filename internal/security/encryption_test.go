package security

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"trustcore/internal/domain"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(testMasterKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	t.Cleanup(c.Zeroize)
	return c
}

func TestCipherEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	plaintext := "tc_secret-value"
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Error("ciphertext should differ from plaintext")
	}
	if !c.IsEncrypted(ciphertext) {
		t.Error("IsEncrypted should return true for encrypted text")
	}

	decrypted, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("Decrypt = %q, want %q", decrypted, plaintext)
	}
}

func TestCipherDifferentCiphertextPerCall(t *testing.T) {
	c := newTestCipher(t)

	c1, _ := c.Encrypt("same input")
	c2, _ := c.Encrypt("same input")
	if c1 == c2 {
		t.Error("two encryptions of same plaintext should produce different ciphertext")
	}
}

func TestNewCipherRequiresKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"not hex", "zz" + testMasterKey[2:]},
		{"too short", testMasterKey[:32]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCipher(tt.key)
			if !errors.Is(err, domain.ErrMissingKey) {
				t.Fatalf("NewCipher(%q) error = %v, want ErrMissingKey", tt.key, err)
			}
		})
	}
}

func TestCipherKeysAreStableAcrossInstances(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)

	ct, err := a.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := b.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt with second instance: %v", err)
	}
	if got != "payload" {
		t.Errorf("Decrypt = %q", got)
	}
	if a.Fingerprint("k") != b.Fingerprint("k") {
		t.Error("fingerprints should match for the same master key")
	}
}

func TestCipherWrongKeyFails(t *testing.T) {
	a := newTestCipher(t)
	other, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	b, err := NewCipher(other)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	ct, _ := a.Encrypt("payload")
	if _, err := b.Decrypt(ct); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("Decrypt with wrong key error = %v, want ErrDecryption", err)
	}
	if a.Fingerprint("k") == b.Fingerprint("k") {
		t.Error("fingerprints should differ across master keys")
	}
}

func TestCipherDecryptRejectsMalformed(t *testing.T) {
	c := newTestCipher(t)

	for _, in := range []string{
		"plaintext",
		"enc:!!!not-base64",
		"enc:" + base64.StdEncoding.EncodeToString([]byte("short")),
	} {
		if _, err := c.Decrypt(in); !errors.Is(err, domain.ErrDecryption) {
			t.Errorf("Decrypt(%q) error = %v, want ErrDecryption", in, err)
		}
	}
}

func TestFingerprintDistinguishesSecrets(t *testing.T) {
	c := newTestCipher(t)
	f1 := c.Fingerprint("alpha")
	f2 := c.Fingerprint("beta")
	if f1 == f2 {
		t.Error("different secrets should not share a fingerprint")
	}
	if len(f1) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(f1))
	}
}

func TestCipherConcurrentUse(t *testing.T) {
	c := newTestCipher(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct, err := c.Encrypt("concurrent")
			if err != nil {
				t.Errorf("Encrypt: %v", err)
				return
			}
			if pt, err := c.Decrypt(ct); err != nil || pt != "concurrent" {
				t.Errorf("Decrypt = %q, %v", pt, err)
			}
		}()
	}
	wg.Wait()
}

func TestEqual(t *testing.T) {
	if !Equal("abc", "abc") {
		t.Error("Equal should match identical strings")
	}
	if Equal("abc", "abd") || Equal("abc", "abcd") {
		t.Error("Equal should reject different strings")
	}
}

func TestPasswordHashing(t *testing.T) {
	h, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(h, "correct horse") {
		t.Error("CheckPassword should accept the right password")
	}
	if CheckPassword(h, "wrong") {
		t.Error("CheckPassword should reject the wrong password")
	}
	if CheckPassword("", "") {
		t.Error("empty hash must never match")
	}
}

func TestNumericCode(t *testing.T) {
	code, err := NumericCode(6)
	if err != nil {
		t.Fatalf("NumericCode: %v", err)
	}
	if len(code) != 6 || strings.Trim(code, "0123456789") != "" {
		t.Errorf("NumericCode = %q, want 6 digits", code)
	}
}

func TestBackupCodesDistinct(t *testing.T) {
	codes, err := BackupCodes(10)
	if err != nil {
		t.Fatalf("BackupCodes: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("len = %d, want 10", len(codes))
	}
	seen := map[string]bool{}
	for _, c := range codes {
		if len(c) != 8 {
			t.Errorf("code %q length = %d, want 8", c, len(c))
		}
		if seen[c] {
			t.Errorf("duplicate code %q", c)
		}
		seen[c] = true
	}
	if NormalizeBackupCode(" ab-cd ef12 ") != "ABCDEF12" {
		t.Error("NormalizeBackupCode should strip separators and upper-case")
	}
}

func TestRandomTokenPrefix(t *testing.T) {
	tok, err := RandomToken("tc_", 32)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if !strings.HasPrefix(tok, "tc_") || len(tok) < 40 {
		t.Errorf("RandomToken = %q", tok)
	}
}
