package journal

import (
	"bytes"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Fingerprint computes a BLAKE3 hash of data.
func Fingerprint(data []byte) []byte {
	h := blake3.New()
	h.Write(data)
	return h.Sum(nil)
}

// FingerprintFile computes a BLAKE3 hash of a file and returns its size.
func FingerprintFile(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), n, nil
}

// SameFingerprint reports whether two fingerprints are equal.
func SameFingerprint(a, b []byte) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}
