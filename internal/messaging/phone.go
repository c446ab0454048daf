package messaging

import (
	"errors"
	"strings"
)

// ErrInvalidPhone indicates a number that cannot be normalized to a
// Brazilian E.164-like form.
var ErrInvalidPhone = errors.New("messaging: invalid phone number")

// NormalizePhone reduces a Brazilian phone number to bare digits with the
// 55 country code, inserting the mobile 9 where the gateway expects it.
func NormalizePhone(phone string) (string, error) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	clean := b.String()

	if len(clean) < 10 {
		return "", ErrInvalidPhone
	}

	// National numbers get the country code.
	if len(clean) == 10 || len(clean) == 11 {
		clean = "55" + clean
	}

	// Mobile numbers missing the leading 9 after the area code.
	if len(clean) == 12 && strings.HasPrefix(clean, "55") && clean[4] != '9' {
		clean = clean[:4] + "9" + clean[4:]
	}

	if len(clean) > 13 {
		return "", ErrInvalidPhone
	}
	return clean, nil
}

// MaskPhone hides the middle digits for logs.
func MaskPhone(phone string) string {
	if len(phone) <= 6 {
		return "******"
	}
	return phone[:4] + strings.Repeat("*", len(phone)-6) + phone[len(phone)-2:]
}
