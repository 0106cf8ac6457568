package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kidoz/dotcelery/internal/message"
)

func TestSignMessageAndVerifyRoundTrip(t *testing.T) {
	secret := []byte("top-secret")
	msg := newMessage("sig-1", "echo", map[string]string{"value": "hi"}, 0, 3)

	sig, err := signMessage(msg, secret)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	msg.Signature = sig
	require.True(t, verifySignature(msg, secret))
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	msg := newMessage("sig-2", "echo", map[string]string{"value": "hi"}, 0, 3)
	sig, err := signMessage(msg, []byte("secret-a"))
	require.NoError(t, err)
	msg.Signature = sig

	require.False(t, verifySignature(msg, []byte("secret-b")))
}

func TestVerifySignatureRejectsTamperedPayload(t *testing.T) {
	secret := []byte("top-secret")
	msg := newMessage("sig-3", "echo", map[string]string{"value": "hi"}, 0, 3)
	sig, err := signMessage(msg, secret)
	require.NoError(t, err)
	msg.Signature = sig

	msg.Retries = 1
	require.False(t, verifySignature(msg, secret))
}

func TestVerifySignatureRejectsMissingSignature(t *testing.T) {
	msg := &message.TaskMessage{ID: "sig-4"}
	require.False(t, verifySignature(msg, []byte("secret")))
}
