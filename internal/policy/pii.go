package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	ibanPattern  = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){3,7}(?: ?[A-Z0-9]{1,3})?\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phonePattern = regexp.MustCompile(`(?:\+\d[\d()\-\s.]{7,}\d|\(?\b\d{3}\)?[\-\s.]\d{3}[\-\s.]\d{4}\b)`)
)

// RedactPII masks card numbers, bank accounts, social security numbers,
// phone numbers and email addresses inside free text. Dates and times are
// left alone so the model can still extract schedules.
func RedactPII(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	masked := cardPattern.ReplaceAllStringFunc(value, maskCardNumber)
	masked = ibanPattern.ReplaceAllString(masked, "[iban_redacted]")
	masked = ssnPattern.ReplaceAllString(masked, "***-**-****")
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	masked = emailPattern.ReplaceAllString(masked, "[email_redacted]")
	return masked
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 8 {
		return "[card_redacted]"
	}

	last4 := string(digits[len(digits)-4:])
	return "**** **** **** " + last4
}
