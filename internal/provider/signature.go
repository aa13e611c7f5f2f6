package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature covers every way a signature can fail to match
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier authenticates a raw webhook payload
type Verifier interface {
	Verify(payload []byte, signature string) error
}

// HMACVerifier expects the hex HMAC-SHA256 of the raw payload
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Sign(payload []byte) string {
	return hex.EncodeToString(computeMAC(v.secret, payload))
}

func (v *HMACVerifier) Verify(payload []byte, signature string) error {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(v.secret) == 0 {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, computeMAC(v.secret, payload)) {
		return ErrInvalidSignature
	}
	return nil
}

// DefaultTolerance bounds the age of a timestamped signature
const DefaultTolerance = 5 * time.Minute

// TimestampedVerifier expects "t=<unix>,v1=<hex>[,v1=<hex>...]" where each v1
// is the HMAC-SHA256 of "<t>.<payload>". Several v1 values allow secret
// rotation.
type TimestampedVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewTimestampedVerifier(secret string, tolerance time.Duration) *TimestampedVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &TimestampedVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

func (v *TimestampedVerifier) Sign(payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(computeMAC(v.secret, signedPayload(ts, payload))))
}

func (v *TimestampedVerifier) Verify(payload []byte, signature string) error {
	if len(v.secret) == 0 {
		return ErrInvalidSignature
	}

	var ts string
	var candidates [][]byte
	for _, part := range strings.Split(signature, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			if mac, err := hex.DecodeString(value); err == nil {
				candidates = append(candidates, mac)
			}
		}
	}
	if ts == "" || len(candidates) == 0 {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrInvalidSignature
	}

	expected := computeMAC(v.secret, signedPayload(ts, payload))
	matched := false
	for _, mac := range candidates {
		// no early exit, every candidate is compared
		if hmac.Equal(mac, expected) {
			matched = true
		}
	}
	if !matched {
		return ErrInvalidSignature
	}
	return nil
}

func signedPayload(ts string, payload []byte) []byte {
	buf := make([]byte, 0, len(ts)+1+len(payload))
	buf = append(buf, ts...)
	buf = append(buf, '.')
	return append(buf, payload...)
}

func computeMAC(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
