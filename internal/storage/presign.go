package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/henteko/maycast-recorder-sub000/internal/errs"
)

// DefaultPresignTTL is how long a minted upload signature stays valid.
const DefaultPresignTTL = 15 * time.Minute

// Presigner mints and verifies per-chunk upload signatures. The signature
// covers recording ID, sequence and expiry, so a URL for one chunk slot
// cannot be replayed against another.
type Presigner struct {
	key []byte
	ttl time.Duration
}

// NewPresigner creates a presigner. ttl falls back to DefaultPresignTTL
// when non-positive.
func NewPresigner(key []byte, ttl time.Duration) (*Presigner, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("storage: presign key must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	return &Presigner{key: key, ttl: ttl}, nil
}

// Sign returns the signature and unix expiry for one chunk slot.
func (p *Presigner) Sign(recordingID string, seq int, now time.Time) (sig string, expires int64) {
	expires = now.Add(p.ttl).Unix()
	return p.compute(recordingID, seq, expires), expires
}

// Verify checks a presented signature against the slot and expiry. Expired
// or mismatched signatures both return errs.ErrBadSignature; callers get no
// hint which check failed.
func (p *Presigner) Verify(recordingID string, seq int, expires int64, sig string, now time.Time) error {
	if now.Unix() > expires {
		return errs.ErrBadSignature
	}
	want := p.compute(recordingID, seq, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return errs.ErrBadSignature
	}
	return nil
}

func (p *Presigner) compute(recordingID string, seq int, expires int64) string {
	mac := hmac.New(sha256.New, p.key)
	fmt.Fprintf(mac, "%s:%d:%d", recordingID, seq, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
