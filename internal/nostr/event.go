// Package nostr implements the wire-level gossip protocol primitives:
// signed events, canonical serialization, filters, and the kind taxonomy
// used by the DVM job market.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event is a signed gossip record. Events are immutable once signed:
// any field change invalidates both ID and Sig.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Tags is the event tag list. Each tag is a non-empty array of strings
// whose first element is the tag name.
type Tags [][]string

// First returns the first value of the first tag with the given name,
// or "" when absent.
func (t Tags) First(name string) string {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// Values returns the first value of every tag with the given name.
func (t Tags) Values(name string) []string {
	var out []string
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// Find returns the full first tag with the given name, or nil.
func (t Tags) Find(name string) []string {
	for _, tag := range t {
		if len(tag) >= 1 && tag[0] == name {
			return tag
		}
	}
	return nil
}

// Serialize produces the canonical form the event ID commits to:
// the compact JSON array [0, pubkey, created_at, kind, tags, content]
// with no whitespace and no HTML escaping. Field order is fixed by the
// protocol, not by JSON object order.
func (e *Event) Serialize() ([]byte, error) {
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}
	// Encode appends a trailing newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the lowercase-hex SHA-256 of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	ser, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(ser)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills ID and Sig using the given private key and sets PubKey to the
// key's x-only public key. CreatedAt, Kind, Tags, and Content must already
// be set.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))

	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("decode event id: %w", err)
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return fmt.Errorf("schnorr sign: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that ID matches the canonical serialization and that Sig is
// a valid Schnorr signature over ID by PubKey.
func (e *Event) Verify() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if id != e.ID {
		return errors.New("event id does not match serialization")
	}

	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pkBytes) != 32 {
		return errors.New("malformed pubkey")
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigBytes) != 64 {
		return errors.New("malformed signature")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil || len(idBytes) != 32 {
		return errors.New("malformed event id")
	}
	if !sig.Verify(idBytes, pub) {
		return errors.New("bad signature")
	}
	return nil
}

// LeadingZeroBits returns the number of leading zero bits in a hex-encoded
// event ID. Used by the relay's proof-of-work gate.
func LeadingZeroBits(idHex string) int {
	bits := 0
	for _, c := range idHex {
		var nibble int
		switch {
		case c >= '0' && c <= '9':
			nibble = int(c - '0')
		case c >= 'a' && c <= 'f':
			nibble = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			nibble = int(c-'A') + 10
		default:
			return bits
		}
		if nibble == 0 {
			bits += 4
			continue
		}
		for mask := 8; mask > 0; mask >>= 1 {
			if nibble&mask != 0 {
				return bits
			}
			bits++
		}
	}
	return bits
}
