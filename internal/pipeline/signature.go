package pipeline

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/kidoz/dotcelery/internal/message"
)

// signMessage computes the hex-encoded HMAC-SHA256 over msg's canonical
// encoding (§4.9 a, DESIGN.md "Signature bytes" resolution). It is
// unexported: verifySignature uses it to recompute the expected
// signature, and tests use it to sign fixtures.
func signMessage(msg *message.TaskMessage, secret []byte) (string, error) {
	canonical, err := msg.MarshalCanonical()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verifySignature reports whether msg.Signature matches the HMAC
// computed over its canonical encoding with secret.
func verifySignature(msg *message.TaskMessage, secret []byte) bool {
	if msg.Signature == "" {
		return false
	}
	expectedHex, err := signMessage(msg, secret)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, expected)
}
