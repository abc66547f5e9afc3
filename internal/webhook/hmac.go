package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// errBadSignature is deliberately uninformative.
var errBadSignature = errors.New("webhook verification failed")

// verifySignature checks an HMAC-SHA256 signature of body, given either as
// GitHub's "sha256=<hex>" or as bare hex. The comparison is constant-time.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errBadSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errBadSignature
	}
	if !hmac.Equal(sum(body, secret), got) {
		return errBadSignature
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sum(body, secret))
}

func sum(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
