// Package validation содержит функции валидации входных данных.
package validation

import "strings"

// IsValidInvoiceNumber проверяет формат номера счёта:
// префикс проекта, код типа (UP, TK, FN) и шестизначная последовательность,
// например PRJ1042-FN-000007.
func IsValidInvoiceNumber(number string) bool {
	parts := strings.Split(number, "-")
	if len(parts) != 3 {
		return false
	}

	prefix, code, seq := parts[0], parts[1], parts[2]

	if len(prefix) == 0 || len(prefix) > 8 {
		return false
	}
	for _, ch := range prefix {
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return false
		}
	}

	switch code {
	case "UP", "TK", "FN":
	default:
		return false
	}

	if len(seq) != 6 {
		return false
	}
	for _, ch := range seq {
		if ch < '0' || ch > '9' {
			return false
		}
	}

	return true
}
