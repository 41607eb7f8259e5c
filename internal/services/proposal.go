package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// slotClaim is the content of a signed slot token. Proposals are never
// persisted; the token carries everything Confirm needs.
type slotClaim struct {
	IncidentID string
	MechanicID string
	Start      time.Time
	End        time.Time
	Expires    time.Time
}

type slotSigner struct {
	secret []byte
}

func newSlotSigner(secret string) *slotSigner {
	return &slotSigner{secret: []byte(secret)}
}

// Sign renders c as "<payload>.<mac>", both base64url without padding.
func (s *slotSigner) Sign(c slotClaim) string {
	payload := strings.Join([]string{
		c.IncidentID,
		c.MechanicID,
		strconv.FormatInt(c.Start.Unix(), 10),
		strconv.FormatInt(c.End.Unix(), 10),
		strconv.FormatInt(c.Expires.Unix(), 10),
	}, "|")
	enc := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return enc + "." + base64.RawURLEncoding.EncodeToString(s.mac(enc))
}

// Verify checks the signature and expiry of token.
func (s *slotSigner) Verify(token string, now time.Time) (slotClaim, error) {
	enc, sig, ok := strings.Cut(token, ".")
	if !ok {
		return slotClaim{}, ErrInvalidSlot
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, s.mac(enc)) {
		return slotClaim{}, ErrInvalidSlot
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return slotClaim{}, ErrInvalidSlot
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 5 {
		return slotClaim{}, ErrInvalidSlot
	}
	var unix [3]int64
	for i := range unix {
		if unix[i], err = strconv.ParseInt(parts[2+i], 10, 64); err != nil {
			return slotClaim{}, fmt.Errorf("%w: %v", ErrInvalidSlot, err)
		}
	}
	c := slotClaim{
		IncidentID: parts[0],
		MechanicID: parts[1],
		Start:      time.Unix(unix[0], 0).UTC(),
		End:        time.Unix(unix[1], 0).UTC(),
		Expires:    time.Unix(unix[2], 0).UTC(),
	}
	if !now.Before(c.Expires) {
		return c, ErrProposalExpired
	}
	return c, nil
}

func (s *slotSigner) mac(payload string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}
