// Package cachekey computes the content digest that identifies one
// compilation request: the model, the device architecture it is compiled
// for, and the subset of options the backend declares as affecting its
// compiled output.
//
// Keys are stable across processes: the model and options are serialized
// with deterministic CBOR before hashing. Option values are hashed as
// strings, so 2, int64(2) and 2.0 name the same setting.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"compiled/internal/backend"
	"compiled/internal/graph"
)

// ErrInvalidKey is returned by ParseKey for malformed input.
var ErrInvalidKey = errors.New("invalid cache key")

// Key is the SHA-256 digest of a compilation request. It is comparable and
// can be used as a map key.
type Key [sha256.Size]byte

// String returns the key in the form "sha256:<hex>".
func (k Key) String() string { return "sha256:" + k.Hex() }

// Hex returns the bare hexadecimal digest.
func (k Key) Hex() string { return hex.EncodeToString(k[:]) }

// Short returns the first four bytes in hex, for logs.
func (k Key) Short() string { return hex.EncodeToString(k[:4]) }

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool { return k == Key{} }

// ParseKey parses "sha256:<hex>", "sha256-<hex>" or a bare 64-digit hex string.
func ParseKey(s string) (Key, error) {
	if i := strings.IndexAny(s, ":-"); i >= 0 {
		if s[:i] != "sha256" {
			return Key{}, ErrInvalidKey
		}
		s = s[i+1:]
	}
	var k Key
	if len(s) != 2*len(k) {
		return Key{}, ErrInvalidKey
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Key{}, ErrInvalidKey
	}
	return k, nil
}

// Config is the cache-relevant part of a compile configuration.
type Config struct {
	Architecture string          `cbor:"arch"`
	Options      backend.Options `cbor:"options"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Marshal encodes v with the deterministic encoding used for hashing.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// ForModel keys an in-memory graph.
func ForModel(m *graph.Model, cfg Config) (Key, error) {
	if m == nil {
		return Key{}, errors.New("nil model")
	}
	h := sha256.New()
	h.Write([]byte("model\x00"))
	if err := writeEncoded(h, m); err != nil {
		return Key{}, fmt.Errorf("encode model: %w", err)
	}
	w := sha256.Sum256(m.Weights)
	h.Write(w[:])
	return finish(h, cfg)
}

// ForFile keys a serialized model by absolute path plus the fingerprint of
// the model file and its weights file. The file is not parsed.
func ForFile(path string, cfg Config) (Key, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Key{}, fmt.Errorf("abs path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return Key{}, err
	}
	h := sha256.New()
	h.Write([]byte("path\x00"))
	if err := writeEncoded(h, []string{abs, FileFingerprint(abs), FileFingerprint(graph.WeightsPath(abs))}); err != nil {
		return Key{}, err
	}
	return finish(h, cfg)
}

// ForText keys raw serialized model text plus a raw weights buffer.
func ForText(text, weights []byte, cfg Config) (Key, error) {
	h := sha256.New()
	h.Write([]byte("text\x00"))
	t := sha256.Sum256(text)
	w := sha256.Sum256(weights)
	h.Write(t[:])
	h.Write(w[:])
	return finish(h, cfg)
}

// FileFingerprint returns "<size>:<mtime-ns>" for path, or "" when the file
// does not exist.
func FileFingerprint(path string) string {
	fi, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d:%d", fi.Size(), fi.ModTime().UnixNano())
}

// optionString renders an option value in the form it is hashed in. The same
// setting arrives as int from YAML and the CLI, int64 over HTTP and float64
// from JSON files, so integral floats are printed as integers.
func optionString(v any) string {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	default:
		return backend.AsString(v)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func writeEncoded(h hash.Hash, v any) error {
	b, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	h.Write(b)
	return nil
}

func finish(h hash.Hash, cfg Config) (Key, error) {
	opts := make(map[string]string, len(cfg.Options))
	for k, v := range cfg.Options {
		opts[k] = optionString(v)
	}
	enc := struct {
		Architecture string            `cbor:"arch"`
		Options      map[string]string `cbor:"options"`
	}{cfg.Architecture, opts}
	if err := writeEncoded(h, enc); err != nil {
		return Key{}, fmt.Errorf("encode config: %w", err)
	}
	var k Key
	h.Sum(k[:0])
	return k, nil
}
