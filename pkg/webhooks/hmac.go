package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const signaturePrefix = "sha256="

// DefaultTolerance is the replay window for timestamped signatures.
const DefaultTolerance = 300 * time.Second

func computeHMACHex(secret string, parts ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC checks a GitHub-style sha256=<hex> digest over the raw body.
// The comparison runs over the full prefixed string in constant time.
func (v *Verifier) verifyHMAC(cfg ProviderConfig, headers http.Header, body []byte) string {
	got := headers.Get(cfg.SignatureHeader)
	if got == "" {
		return ReasonMissingSignature
	}

	want := signaturePrefix + computeHMACHex(cfg.Secret, body)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ReasonInvalidSignature
	}

	return ReasonAccepted
}

// verifyTimestampedHMAC checks a Slack-style signature over
// v0:{timestamp}:{raw_body}. The timestamp check is the replay boundary and
// runs before any signature math.
func (v *Verifier) verifyTimestampedHMAC(cfg ProviderConfig, headers http.Header, body []byte) string {
	got := headers.Get(cfg.SignatureHeader)
	rawTS := headers.Get(cfg.TimestampHeader)
	if got == "" || rawTS == "" {
		return ReasonMissingSignature
	}

	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return ReasonInvalidSignature
	}

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	drift := v.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(tolerance.Seconds()) {
		return ReasonReplayRejected
	}

	base := fmt.Sprintf("v0:%s:", rawTS)
	want := "v0=" + computeHMACHex(cfg.Secret, []byte(base), body)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ReasonInvalidSignature
	}

	return ReasonAccepted
}

// verifySharedSecret compares a bearer token against the configured secret in
// constant time.
func (v *Verifier) verifySharedSecret(cfg ProviderConfig, headers http.Header) string {
	bearer := bearerToken(headers)
	if bearer == "" {
		return ReasonMissingSignature
	}

	if subtle.ConstantTimeCompare([]byte(bearer), []byte(cfg.Secret)) != 1 {
		return ReasonInvalidToken
	}

	return ReasonAccepted
}
