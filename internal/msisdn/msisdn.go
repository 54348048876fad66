package msisdn

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalid is returned for numbers that are not Kenyan mobile numbers.
var ErrInvalid = errors.New("invalid phone number")

var nonDigits = regexp.MustCompile(`\D`)

// Normalize converts 07XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX and 7XXXXXXXX
// forms into the 2547XXXXXXXX / 2541XXXXXXXX form M-Pesa expects.
func Normalize(raw string) (string, error) {
	s := nonDigits.ReplaceAllString(raw, "")
	switch {
	case strings.HasPrefix(s, "254"):
	case strings.HasPrefix(s, "0"):
		s = "254" + s[1:]
	default:
		s = "254" + s
	}
	if len(s) != 12 || (s[3] != '7' && s[3] != '1') {
		return "", ErrInvalid
	}
	return s, nil
}

// Mask hides the middle digits of a phone number for logs and USSD screens.
func Mask(phone string) string {
	if len(phone) < 9 {
		return "****"
	}
	return phone[:5] + strings.Repeat("*", len(phone)-8) + phone[len(phone)-3:]
}
