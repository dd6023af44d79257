package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// hashSampleBytes is how much of the head and tail of a file contributes to
// its content hash. Hashing the whole file would defeat the point of a
// cheap, stat-speed identifier for large recordings.
const hashSampleBytes = 1 << 20 // 1 MiB

// DeriveFileID returns the stable "<basename-without-extension>-<hash8>"
// identifier for path, hashing the first and last megabyte of its content
// plus the total size rather than the full file.
func DeriveFileID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", NewIOError("open for id derivation", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", NewIOError("stat for id derivation", err)
	}

	h := sha256.New()
	size := info.Size()

	head := make([]byte, hashSampleBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", NewIOError("read head for id derivation", err)
	}
	h.Write(head[:n])

	if size > hashSampleBytes {
		tailStart := size - hashSampleBytes
		if tailStart < int64(n) {
			tailStart = int64(n)
		}
		if _, err := f.Seek(tailStart, io.SeekStart); err != nil {
			return "", NewIOError("seek to tail for id derivation", err)
		}
		tail := make([]byte, size-tailStart)
		if _, err := io.ReadFull(f, tail); err != nil && err != io.EOF {
			return "", NewIOError("read tail for id derivation", err)
		}
		h.Write(tail)
	}

	fmt.Fprintf(h, "%d", size)

	sum := hex.EncodeToString(h.Sum(nil))[:8]
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = sanitizeIDComponent(base)
	return fmt.Sprintf("%s-%s", base, sum), nil
}

// sanitizeIDComponent keeps a file_id filesystem-safe across platforms.
func sanitizeIDComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
