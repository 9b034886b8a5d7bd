package payout

import (
	"regexp"
	"strings"
)

// Safaricom subscriber numbers: 07XX/01XX nationally, 2547XX/2541XX in
// international form, with or without a leading plus.
var kenyanMSISDN = regexp.MustCompile(`^(?:\+?254|0)?([17]\d{8})$`)

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")

// NormalizeKenyanPhone returns the number in the 2547XXXXXXXX form Daraja
// expects, or false when it is not a Kenyan mobile number.
func NormalizeKenyanPhone(raw string) (string, bool) {
	cleaned := phoneSeparators.Replace(strings.TrimSpace(raw))
	m := kenyanMSISDN.FindStringSubmatch(cleaned)
	if m == nil {
		return "", false
	}
	return "254" + m[1], true
}

// MaskPhone keeps the country code and last three digits.
func MaskPhone(phone string) string {
	if len(phone) <= 6 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:3] + strings.Repeat("*", len(phone)-6) + phone[len(phone)-3:]
}
