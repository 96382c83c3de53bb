package bookings

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"strconv"
	"strings"
	"time"
)

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewReference returns a group reference: "BK", the UTC millisecond timestamp in base 36, a dash
// and six random characters, all upper case.
func NewReference(now time.Time, r io.Reader) (string, error) {
	suffix, err := randomString(r, 6)
	if err != nil {
		return "", err
	}
	stamp := strings.ToUpper(strconv.FormatInt(now.UTC().UnixMilli(), 36))
	return "BK" + stamp + "-" + suffix, nil
}

func randomString(r io.Reader, n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	// 252 is the largest multiple of 36 below 256; higher bytes are rejected to avoid bias.
	for len(out) < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= 252 {
				continue
			}
			out = append(out, referenceAlphabet[int(b)%len(referenceAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// newConfirmationToken returns a URL-safe random token for a link placeholder.
func newConfirmationToken(r io.Reader) (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

var defaultRand io.Reader = rand.Reader
