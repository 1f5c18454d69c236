package crypto

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseKey(t *testing.T) {
	raw := strings.Repeat("ab", KeySize)
	key, err := ParseKey(raw + "\n")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("key length = %d, want %d", len(key), KeySize)
	}

	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"not hex", strings.Repeat("zz", KeySize)},
		{"too short", "abcd"},
		{"too long", strings.Repeat("ab", KeySize+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseKey(tc.in); err == nil {
				t.Errorf("ParseKey(%q) accepted invalid input", tc.in)
			}
		})
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pickle.key")

	key, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(key) != KeySize {
		t.Fatalf("key length = %d, want %d", len(key), KeySize)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	again, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Error("reload returned a different key")
	}
}

func TestLoadOrCreateKey_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pickle.key")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateKey(path); err == nil {
		t.Error("corrupt key file accepted")
	}
}

func TestLoadOrCreateKey_AcceptsOperatorKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pickle.key")
	want := bytes.Repeat([]byte{0x42}, KeySize)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(want)), 0o600); err != nil {
		t.Fatal(err)
	}
	key, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	if !bytes.Equal(key, want) {
		t.Error("operator-supplied key not returned verbatim")
	}
}
