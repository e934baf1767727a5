package canonical

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mr-tron/base58"
)

// Marshal serializes v into its canonical form: object keys sorted, no
// incidental whitespace, array order preserved. The output is stable across
// processes for equal values.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var tree any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical reparse: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(t.String())
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// SumObject canonicalizes v and returns the prefixed digest plus the exact
// bytes the digest covers.
func SumObject(v any) (string, []byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), b, nil
}

// SumBytes hashes already-canonical bytes.
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Fingerprint derives a stable request fingerprint from ordered fields.
// Used to detect idempotency-key reuse with a different payload.
func Fingerprint(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// DeterministicID derives an entity id from its identity fields. Equal inputs
// always yield the same id, which is what makes replaceable-by-key creation
// work: the second deriver lands on the existing row.
func DeterministicID(prefix string, fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return prefix + "_" + base58.Encode(sum[:16])
}

// Signer produces optional detached ed25519 signatures over canonical bytes.
// A nil Signer stamps hashes only.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner builds a signer from a 32-byte seed encoded as hex. An empty seed
// disables signing.
func NewSigner(seedHex string) (*Signer, error) {
	if seedHex == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signer seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign returns the hex-encoded detached signature over b.
func (s *Signer) Sign(b []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, b))
}

// PublicKey returns the hex-encoded verification key.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.priv.Public().(ed25519.PublicKey))
}

// VerifySignature checks a detached hex signature against canonical bytes.
func VerifySignature(pubHex, sigHex string, b []byte) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding")
	}
	return ed25519.Verify(ed25519.PublicKey(pub), b, sig), nil
}
