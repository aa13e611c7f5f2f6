package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier("whsec_test")
	payload := []byte(`{"id":"evt_1"}`)
	sig := v.Sign(payload)

	assert.NoError(t, v.Verify(payload, sig))
	assert.NoError(t, v.Verify(payload, "sha256="+sig))
	assert.ErrorIs(t, v.Verify([]byte(`{"id":"evt_2"}`), sig), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(payload, "not-hex"), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(payload, ""), ErrInvalidSignature)
	assert.ErrorIs(t, NewHMACVerifier("other").Verify(payload, sig), ErrInvalidSignature)
}

func TestTimestampedVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewTimestampedVerifier("whsec_card", time.Minute)
	v.now = func() time.Time { return now }
	payload := []byte(`{"id":"evt_1"}`)

	tests := []struct {
		name    string
		sig     string
		wantErr bool
	}{
		{"fresh", v.Sign(payload, now), false},
		{"within tolerance", v.Sign(payload, now.Add(-30*time.Second)), false},
		{"too old", v.Sign(payload, now.Add(-2*time.Minute)), true},
		{"from the future", v.Sign(payload, now.Add(2*time.Minute)), true},
		{"rotated secret listed second", "t=1700000000,v1=00ff," + v.Sign(payload, now)[len("t=1700000000,"):], false},
		{"missing timestamp", "v1=abcd", true},
		{"garbage", "hello", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(payload, tt.sig)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
				return
			}
			assert.NoError(t, err)
		})
	}
}
