package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
)

var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrStale        = errors.New("webhook timestamp outside allowed skew")
)

// Sign is hex(HMAC-SHA256(secret, "{unix_ts}.{body}")).
func Sign(secret []byte, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign and rejects timestamps more
// than maxAge away from now in either direction.
func Verify(secret []byte, tsHeader, sigHeader string, body []byte, now time.Time, maxAge time.Duration) error {
	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	ts := time.Unix(unix, 0)
	if maxAge > 0 && (now.Sub(ts) > maxAge || ts.Sub(now) > maxAge) {
		return ErrStale
	}
	got, err := hex.DecodeString(sigHeader)
	if err != nil {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(Sign(secret, ts, body))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}
