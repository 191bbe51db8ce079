package manifest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// separator divides the canonical JSON payload from the hex signature in the
// stored blob. The payload always ends with ']' so the last occurrence of the
// separator is unambiguous.
const separator = "\n--signature--\n"

// Signer produces and verifies keyed signatures over manifest payloads using
// HMAC-SHA256 with a process-wide secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns payload followed by the separator and the hex-encoded MAC of
// the exact payload bytes.
func (s *Signer) Sign(payload []byte) []byte {
	mac := s.mac(payload)
	out := make([]byte, 0, len(payload)+len(separator)+len(mac))
	out = append(out, payload...)
	out = append(out, separator...)
	out = append(out, mac...)
	return out
}

// Verify splits a signed blob and recomputes the MAC. It returns the payload
// and one of the manifest verification statuses: "Signature Verified" when
// the MAC matches, "Invalid Signature" when it does not, and "None" when the
// blob carries no signature at all. The payload is nil unless verification
// succeeds.
func (s *Signer) Verify(blob []byte) ([]byte, string) {
	idx := bytes.LastIndex(blob, []byte(separator))
	if idx < 0 {
		return nil, domain.SignatureNone
	}
	payload := blob[:idx]
	sig := blob[idx+len(separator):]
	if !hmac.Equal(sig, s.mac(payload)) {
		return nil, domain.SignatureInvalid
	}
	return payload, domain.SignatureVerified
}

func (s *Signer) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	sum := h.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}
