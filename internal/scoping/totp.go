package scoping

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateTOTP returns the 6-digit RFC 6238 code for a base32 seed at the
// given instant. Codes are never cached.
func GenerateTOTP(seed string, at time.Time) (string, error) {
	clean := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(seed), " ", ""))
	if clean == "" {
		return "", fmt.Errorf("empty totp seed")
	}
	code, err := totp.GenerateCodeCustom(clean, at, totpOpts)
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}
	return code, nil
}
