package oplog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// codecVersion is bumped when the envelope layout changes.
const codecVersion = 1

type envelope struct {
	Index     Index           `json:"index"`
	Timestamp time.Time       `json:"ts"`
	Kind      Kind            `json:"kind"`
	Version   int             `json:"v"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  string          `json:"sum"`
}

// Unknown carries an entry whose kind this build does not understand. Only
// DecodeLenient produces it; replay refuses it.
type Unknown struct {
	RawKind Kind
	Raw     json.RawMessage
}

func (u *Unknown) Kind() Kind { return u.RawKind }
func (*Unknown) isPayload()   {}

// Encode serializes an entry into its stored form.
func Encode(e Entry) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("encode entry %d: nil payload", e.Index)
	}
	if _, ok := e.Payload.(*Unknown); ok {
		return nil, fmt.Errorf("encode entry %d: %w: %s", e.Index, ErrUnknownKind, e.Kind())
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode entry %d payload: %w", e.Index, err)
	}
	env := envelope{
		Index:     e.Index,
		Timestamp: e.Timestamp.UTC(),
		Kind:      e.Kind(),
		Version:   codecVersion,
		Payload:   payload,
		Checksum:  checksum(e.Index, e.Kind(), payload),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode entry %d: %w", e.Index, err)
	}
	return data, nil
}

// Decode parses a stored entry. Unknown kinds and checksum mismatches are
// integrity errors.
func Decode(data []byte) (Entry, error) {
	return decode(data, true)
}

// DecodeLenient parses a stored entry, returning an *Unknown payload for
// kinds this build does not know. Intended for display and search only.
func DecodeLenient(data []byte) (Entry, error) {
	return decode(data, false)
}

func decode(data []byte, strict bool) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Entry{}, &IntegrityError{Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.Checksum != checksum(env.Index, env.Kind, env.Payload) {
		return Entry{}, &IntegrityError{Index: env.Index, Err: ErrChecksumMismatch}
	}
	ctor, ok := registry[env.Kind]
	if !ok {
		if strict {
			return Entry{}, &IntegrityError{Index: env.Index, Err: fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)}
		}
		return Entry{
			Index:     env.Index,
			Timestamp: env.Timestamp,
			Payload:   &Unknown{RawKind: env.Kind, Raw: env.Payload},
		}, nil
	}
	payload := ctor()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return Entry{}, &IntegrityError{Index: env.Index, Err: fmt.Errorf("decode %s payload: %w", env.Kind, err)}
		}
	}
	return Entry{Index: env.Index, Timestamp: env.Timestamp, Payload: payload}, nil
}

// EncodedSize returns the stored size of e.
func EncodedSize(e Entry) (int, error) {
	data, err := Encode(e)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// CheckSize rejects entries whose encoded form exceeds limit. A limit of
// zero disables the check.
func CheckSize(e Entry, limit int) error {
	if limit <= 0 {
		return nil
	}
	size, err := EncodedSize(e)
	if err != nil {
		return err
	}
	if size > limit {
		return &CapacityError{Limit: limit, Actual: size, Err: ErrPayloadTooLarge}
	}
	return nil
}

func checksum(idx Index, kind Kind, payload []byte) string {
	h, _ := blake2b.New256(nil)
	_, _ = fmt.Fprintf(h, "%d:%s:", idx, kind)
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateSequence checks the structural invariants of an ordered slice of
// entries starting at from: indices are strictly increasing and gap-free,
// every kind is known, and a slice starting at InitialIndex begins with Create.
func ValidateSequence(worker WorkerID, from Index, entries []Entry) error {
	expected := from
	for i, e := range entries {
		if e.Index != expected {
			return &IntegrityError{Worker: worker, Index: e.Index,
				Err: fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrder, expected, e.Index)}
		}
		if _, ok := e.Payload.(*Unknown); ok || e.Payload == nil || !Known(e.Kind()) {
			return &IntegrityError{Worker: worker, Index: e.Index, Err: fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind())}
		}
		if i == 0 && e.Index == InitialIndex {
			if _, ok := e.Payload.(*Create); !ok {
				return &IntegrityError{Worker: worker, Index: e.Index, Err: ErrMissingCreate}
			}
		}
		expected = expected.Next()
	}
	return nil
}
