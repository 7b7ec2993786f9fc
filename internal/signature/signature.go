// Package signature verifies the X-Hub-Signature-256 header of GitHub
// webhook deliveries.
package signature

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/go-github/v59/github"
)

const (
	// HeaderName is the HTTP header that carries the signature.
	HeaderName = github.SHA256SignatureHeader
	prefix     = "sha256="
)

var (
	ErrMissingHeader   = errors.New("signature header is missing")
	ErrMalformedHeader = errors.New("signature header is malformed, expected sha256=<hex>")
	ErrMismatch        = errors.New("signature does not match payload")
)

// Check verifies that header contains the hex encoded HMAC-SHA256 of
// rawBody keyed with secret.
// rawBody must be the unmodified request body.
// If secret is empty, verification is skipped and nil is returned.
func Check(rawBody []byte, header, secret string) error {
	if secret == "" {
		return nil
	}

	if header == "" {
		return ErrMissingHeader
	}

	if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
		return ErrMalformedHeader
	}

	if _, err := hex.DecodeString(header[len(prefix):]); err != nil {
		return ErrMalformedHeader
	}

	// ValidateSignature compares the MACs with hmac.Equal in constant time.
	if err := github.ValidateSignature(header, rawBody, []byte(secret)); err != nil {
		return ErrMismatch
	}

	return nil
}

// Verify returns true if the signature in header is valid for rawBody or
// secret is empty.
func Verify(rawBody []byte, header, secret string) bool {
	return Check(rawBody, header, secret) == nil
}
