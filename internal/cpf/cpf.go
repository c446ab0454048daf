// Package cpf validates and normalizes Brazilian CPF numbers.
//
// A CPF is an 11-digit identifier whose last two digits are check digits
// computed with the weighted modulo-11 algorithm. Everything here is pure:
// no I/O, no state, and malformed input always yields a structured error.
package cpf

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrLength indicates the input does not contain exactly 11 digits.
	ErrLength = errors.New("cpf: must contain exactly 11 digits")
	// ErrRepeatedDigits indicates a known-invalid sequence such as 11111111111.
	ErrRepeatedDigits = errors.New("cpf: all digits identical")
	// ErrChecksum indicates the check digits do not match the computed ones.
	ErrChecksum = errors.New("cpf: check digits do not match")
)

var (
	formattedPattern = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b`)
	barePattern      = regexp.MustCompile(`\b\d{11}\b`)
)

// Normalize strips formatting characters and validates the result.
// It returns the bare 11-digit string on success, or one of the sentinel
// errors describing why the input is not a valid CPF.
func Normalize(input string) (string, error) {
	digits := stripNonDigits(input)
	if len(digits) != 11 {
		return "", ErrLength
	}
	if allSame(digits) {
		return "", ErrRepeatedDigits
	}

	d1 := checkDigit(digits[:9], 10)
	d2 := checkDigit(digits[:10], 11)
	if digits[9] != d1 || digits[10] != d2 {
		return "", ErrChecksum
	}
	return digits, nil
}

// IsValid reports whether input normalizes to a valid CPF.
func IsValid(input string) bool {
	_, err := Normalize(input)
	return err == nil
}

// Extract scans free text for a CPF, formatted (XXX.XXX.XXX-XX) or bare
// (11 consecutive digits), and returns the first one that validates.
func Extract(text string) (string, bool) {
	for _, pattern := range []*regexp.Regexp{formattedPattern, barePattern} {
		for _, match := range pattern.FindAllString(text, -1) {
			if normalized, err := Normalize(match); err == nil {
				return normalized, true
			}
		}
	}
	return "", false
}

// Format renders a bare CPF as XXX.XXX.XXX-XX. Input that is not 11 digits
// is returned unchanged.
func Format(digits string) string {
	if len(digits) != 11 {
		return digits
	}
	return digits[:3] + "." + digits[3:6] + "." + digits[6:9] + "-" + digits[9:]
}

// Mask hides all but the last two digits for logs and user-facing echoes.
func Mask(digits string) string {
	if len(digits) != 11 {
		return "***********"
	}
	return "*********" + digits[9:]
}

// checkDigit computes one weighted mod-11 check digit over prefix, with
// weights descending from firstWeight.
func checkDigit(prefix string, firstWeight int) byte {
	sum := 0
	for i := 0; i < len(prefix); i++ {
		sum += int(prefix[i]-'0') * (firstWeight - i)
	}
	rest := sum % 11
	if rest < 2 {
		return '0'
	}
	return byte('0' + 11 - rest)
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allSame(digits string) bool {
	for i := 1; i < len(digits); i++ {
		if digits[i] != digits[0] {
			return false
		}
	}
	return true
}
