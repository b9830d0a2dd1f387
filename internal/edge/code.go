// Package edge manages edge records: gateway sites identified by a
// type-region-sequence code.
package edge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var codePattern = regexp.MustCompile(`^[a-z]+-[a-z]+-\d{3,}$`)

// GenerateCode returns "{type}-{region}-{number}" with the number zero
// padded to three digits, or "" when type or region is missing.
func GenerateCode(edgeType, region string, number int) string {
	if edgeType == "" || region == "" || number < 0 {
		return ""
	}
	return fmt.Sprintf("%s-%s-%03d", strings.ToLower(edgeType), strings.ToLower(region), number)
}

func ValidateCode(code string) bool {
	return codePattern.MatchString(code)
}

// ParseCode splits a valid code into its parts.
func ParseCode(code string) (edgeType, region string, number int, ok bool) {
	if !ValidateCode(code) {
		return "", "", 0, false
	}
	parts := strings.SplitN(code, "-", 3)
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, false
	}
	return parts[0], parts[1], n, true
}
