package integrity_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Zakaria95Ahmed/idm-clone/internal/integrity"
)

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.bin")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileHashKnownDigests(t *testing.T) {
	path := writeSample(t)

	tests := []struct {
		algo integrity.Algorithm
		want string
	}{
		{integrity.MD5, "900150983cd24fb0d6963f7d28e17f72"},
		{integrity.SHA1, "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{integrity.SHA256, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{integrity.CRC32, "352441c2"},
	}

	for _, tt := range tests {
		t.Run(string(tt.algo), func(t *testing.T) {
			got, err := integrity.FileHash(path, tt.algo)
			if err != nil {
				t.Fatalf("FileHash failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("hash = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBlake3RoundTrip(t *testing.T) {
	path := writeSample(t)

	digest, err := integrity.FileHash(path, integrity.BLAKE3)
	if err != nil {
		t.Fatalf("FileHash(blake3) failed: %v", err)
	}
	if len(digest) == 0 {
		t.Fatal("empty blake3 digest")
	}

	ok, err := integrity.Verify(path, digest, integrity.BLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("file must verify against its own digest")
	}
}

func TestVerifyCaseInsensitive(t *testing.T) {
	path := writeSample(t)

	ok, err := integrity.Verify(path, "900150983CD24FB0D6963F7D28E17F72", integrity.MD5)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("verification must be case-insensitive")
	}
}

func TestVerifyMismatch(t *testing.T) {
	path := writeSample(t)

	ok, err := integrity.Verify(path, "deadbeef", integrity.CRC32)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("wrong digest must not verify")
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		tag     string
		want    integrity.Algorithm
		wantErr bool
	}{
		{"md5", integrity.MD5, false},
		{"MD5", integrity.MD5, false},
		{"SHA-256", integrity.SHA256, false},
		{"sha256", integrity.SHA256, false},
		{"sha-1", integrity.SHA1, false},
		{"crc32", integrity.CRC32, false},
		{"blake3", integrity.BLAKE3, false},
		{"whirlpool", "", true},
	}

	for _, tt := range tests {
		got, err := integrity.ParseAlgorithm(tt.tag)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAlgorithm(%q) error = %v, wantErr %v", tt.tag, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseAlgorithm(%q) = %q, want %q", tt.tag, got, tt.want)
		}
	}
}

func TestFileHashMissingFile(t *testing.T) {
	if _, err := integrity.FileHash(filepath.Join(t.TempDir(), "missing"), integrity.MD5); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
