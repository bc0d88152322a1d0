package mpesa

import (
	"strings"

	"tab-payment-service/internal/apperr"
)

var sandboxTestPatterns = []string{"2547XXXXXXXX", "2541XXXXXXXX", "254708374149"}

// NormalizePhone converts the local formats customers type into 254XXXXXXXXX.
func NormalizePhone(input string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(input))
	cleaned = strings.TrimPrefix(cleaned, "+")

	if !isDigits(cleaned) {
		return "", invalidPhone(input)
	}

	var subscriber string
	switch {
	case len(cleaned) == 12 && strings.HasPrefix(cleaned, "254"):
		subscriber = cleaned[3:]
	case len(cleaned) == 10 && cleaned[0] == '0':
		subscriber = cleaned[1:]
	case len(cleaned) == 9:
		subscriber = cleaned
	default:
		return "", invalidPhone(input)
	}

	if subscriber[0] != '7' && subscriber[0] != '1' {
		return "", invalidPhone(input)
	}
	return "254" + subscriber, nil
}

// IsSandboxTestNumber reports whether a normalized number is accepted by the sandbox.
// X in a pattern matches any digit.
func IsSandboxTestNumber(phone string) bool {
	for _, p := range sandboxTestPatterns {
		if matchPattern(p, phone) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, phone string) bool {
	if len(pattern) != len(phone) {
		return false
	}
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == 'X' {
			if phone[i] < '0' || phone[i] > '9' {
				return false
			}
			continue
		}
		if pattern[i] != phone[i] {
			return false
		}
	}
	return true
}

func invalidPhone(input string) error {
	masked := input
	if len(masked) > 4 {
		masked = strings.Repeat("*", len(masked)-4) + masked[len(masked)-4:]
	}
	return apperr.Newf(apperr.CodeInvalidPhoneNumber, "cannot normalize phone %q", masked)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
