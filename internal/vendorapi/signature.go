package vendorapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SignatureTolerance bounds how old a signed callback may be before it is
// rejected, limiting replay of captured payloads.
const SignatureTolerance = 5 * time.Minute

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrStaleTimestamp   = errors.New("stale_timestamp")
)

// SignCallback computes the HMAC-SHA256 signature over the callback's
// identity fields plus its timestamp.
func SignCallback(secret string, cb Callback) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s.%s.%s.%s", cb.Timestamp, cb.ExternalRefID, cb.OnboardingID, cb.Status, cb.Result)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback checks the callback signature and timestamp bound. A failed
// verification must not mark the event processed, so a legitimate retry with
// a fresh signature can still succeed.
func VerifyCallback(secret string, cb Callback, now time.Time) error {
	ts := time.Unix(cb.Timestamp, 0)
	if cb.Timestamp <= 0 || now.Sub(ts) > SignatureTolerance || ts.Sub(now) > SignatureTolerance {
		return ErrStaleTimestamp
	}

	expected := SignCallback(secret, cb)
	provided := strings.TrimSpace(cb.Signature)
	if provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrInvalidSignature
	}
	return nil
}

// ContentHash fingerprints the callback's identifying fields. Two deliveries
// carrying the same identity hash to the same value regardless of envelope
// differences, which drives webhook deduplication.
func ContentHash(cb Callback) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		cb.ExternalRefID,
		cb.OnboardingID,
		strings.ToLower(strings.TrimSpace(cb.Status)),
		strings.ToLower(strings.TrimSpace(cb.Result)),
	}, "|")))
	return hex.EncodeToString(sum[:])
}
