package cryptfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

var testAccount = uuid.MustParse("ac33e6da-91a2-4b4d-8aef-1cbd250a3c7d")

func testKey(b byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

func tempFactory(t *testing.T, keyByte byte) *Factory {
	t.Helper()
	f, err := NewFactory(testAccount, testKey(keyByte))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.Close)
	return f
}

func TestRoundTrip(t *testing.T) {
	f := tempFactory(t, 1)
	plaintext := []byte("registration lock pin and friends")

	sealed, err := f.Encrypt("account.dat", plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Decrypt("account.dat", sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestNoncesAreFresh(t *testing.T) {
	f := tempFactory(t, 1)

	a, err := f.Encrypt("account.dat", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Encrypt("account.dat", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a[:NonceSize], b[:NonceSize]) {
		t.Fatal("two encryptions reused a nonce")
	}
}

func TestWrongKeyFails(t *testing.T) {
	f := tempFactory(t, 1)
	other := tempFactory(t, 2)

	sealed, err := f.Encrypt("account.dat", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Decrypt("account.dat", sealed); err == nil {
		t.Fatal("decrypt under a different master key should fail")
	}
}

func TestWrongFileNameFails(t *testing.T) {
	f := tempFactory(t, 1)

	sealed, err := f.Encrypt("account.dat", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Decrypt("other.dat", sealed); err == nil {
		t.Fatal("ciphertext must be bound to its file name")
	}
}

func TestShortNonceIsMalformed(t *testing.T) {
	f := tempFactory(t, 1)

	for _, n := range []int{0, 1, NonceSize - 1} {
		if _, err := f.Decrypt("account.dat", make([]byte, n)); !errors.Is(err, ErrMalformedFile) {
			t.Fatalf("len %d: err = %v, want ErrMalformedFile", n, err)
		}
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	f := tempFactory(t, 1)

	sealed, err := f.Encrypt("account.dat", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := f.Decrypt("account.dat", sealed); err == nil {
		t.Fatal("tampered ciphertext should not decrypt")
	}
}

func TestFileRoundTrip(t *testing.T) {
	f := tempFactory(t, 1)
	path := filepath.Join(t.TempDir(), "account.dat")
	plaintext := []byte("credentials")

	if err := f.WriteFile(path, plaintext); err != nil {
		t.Fatal(err)
	}

	// On disk the file must be sealed, not plaintext.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, plaintext) {
		t.Fatal("file contains plaintext")
	}

	got, err := f.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestBadKeySize(t *testing.T) {
	if _, err := NewFactory(testAccount, []byte("short")); err == nil {
		t.Fatal("short master key should be rejected")
	}
}
