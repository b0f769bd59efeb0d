package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/MimeLyc/mediacards/internal/errs"
)

const SignatureHeader = "x-webhook-signature"

// Sign returns the header value for body: "sha256=" and the hex HMAC-SHA256.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of the raw body. Only the
// sha256 algorithm is accepted.
func VerifySignature(body []byte, header, secret string) error {
	if header == "" {
		return errs.New(errs.KindAuth, "Missing signature")
	}
	algorithm, digest, ok := strings.Cut(header, "=")
	if !ok || algorithm != "sha256" {
		return errs.New(errs.KindAuth, "Invalid signature").With("algorithm", algorithm)
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return errs.New(errs.KindAuth, "Invalid signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errs.New(errs.KindAuth, "Invalid signature")
	}
	return nil
}
