// Package bridge connects the fleet to remote platforms: signed
// webhook notifications going out, and polled job feeds coming in.
package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Header names used on signed requests.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Sign computes the request signature: an HMAC-SHA256 over the method,
// URL, unix timestamp and body, hex encoded.
func Sign(secret []byte, method, url, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n", method, url, timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature and enforces the replay window around now.
// Both a tampered body and a stale timestamp fail: the timestamp is
// part of the signed string, so it cannot be moved without the secret.
func Verify(secret []byte, method, url, timestamp string, body []byte, signature string, window time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", timestamp, err)
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > window || age < -window {
		return fmt.Errorf("timestamp outside replay window (age %s, window %s)", age, window)
	}

	expected := Sign(secret, method, url, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Timestamp formats a time the way signed requests carry it.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
