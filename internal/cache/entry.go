package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"compiled/internal/cachekey"
)

// Magic identifies the entry format.
const Magic = "compiled-cache/1"

// Header prefixes every entry.
type Header struct {
	_ struct{} `cbor:",toarray"`

	Magic        string
	BuildVersion string
	// SourceFingerprint is the model file fingerprint for path-addressed
	// compiles and empty otherwise.
	SourceFingerprint string
}

// Status is the outcome of a Lookup.
type Status int

const (
	Absent Status = iota
	Hit
	Stale
)

func (s Status) String() string {
	switch s {
	case Absent:
		return "absent"
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Stale reasons.
const (
	ReasonReadError   = "read_error"
	ReasonCorrupt     = "corrupt"
	ReasonVersion     = "version_mismatch"
	ReasonFingerprint = "fingerprint_mismatch"
	// ReasonImport is reported by callers whose backend rejected a payload
	// that passed header validation.
	ReasonImport = "import_failed"
)

// Result is the validated outcome of reading one entry. Payload is set only
// for Hit; Reason and Err only for Stale.
type Result struct {
	Status  Status
	Payload []byte
	Reason  string
	Err     error
}

// Encode returns the entry bytes for header h and payload.
func Encode(h Header, payload []byte) ([]byte, error) {
	h.Magic = Magic
	hb, err := cbor.Marshal(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(hb)+len(payload))
	out = append(out, hb...)
	return append(out, payload...), nil
}

// Decode splits entry bytes into header and payload.
func Decode(data []byte) (Header, []byte, error) {
	var h Header
	rest, err := cbor.UnmarshalFirst(data, &h)
	if err != nil {
		return Header{}, nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Magic != Magic {
		return Header{}, nil, errors.New("bad magic")
	}
	return h, rest, nil
}

// Lookup reads the entry for key and validates it against want. The build
// version must match; the source fingerprint must match when want carries one.
// Lookup never deletes: the caller decides what to do with a stale entry.
func Lookup(m Manager, key cachekey.Key, want Header) Result {
	rc, ok, err := m.Get(key)
	if err != nil {
		return Result{Status: Stale, Reason: ReasonReadError, Err: err}
	}
	if !ok {
		return Result{Status: Absent}
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return Result{Status: Stale, Reason: ReasonReadError, Err: err}
	}
	h, payload, err := Decode(data)
	if err != nil {
		return Result{Status: Stale, Reason: ReasonCorrupt, Err: err}
	}
	if h.BuildVersion != want.BuildVersion {
		return Result{Status: Stale, Reason: ReasonVersion,
			Err: fmt.Errorf("build version %q, want %q", h.BuildVersion, want.BuildVersion)}
	}
	if want.SourceFingerprint != "" && h.SourceFingerprint != want.SourceFingerprint {
		return Result{Status: Stale, Reason: ReasonFingerprint,
			Err: fmt.Errorf("source fingerprint %q, want %q", h.SourceFingerprint, want.SourceFingerprint)}
	}
	return Result{Status: Hit, Payload: payload}
}

// Write stores header h and payload under key. On failure the possibly
// partial entry is deleted and the write error returned.
func Write(m Manager, key cachekey.Key, h Header, payload []byte) error {
	data, err := Encode(h, payload)
	if err != nil {
		return err
	}
	if err := m.Add(key, bytes.NewReader(data)); err != nil {
		if derr := m.Delete(key); derr != nil {
			return errors.Join(err, derr)
		}
		return err
	}
	return nil
}
