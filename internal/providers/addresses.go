package providers

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`[\w.\-]+@[\w.\-]+\.[A-Za-z]{2,}`)

// parseAddresses extracts e-mail addresses from free-form header values, de-duplicated case-insensitively.
func parseAddresses(values ...string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, value := range values {
		for _, match := range emailPattern.FindAllString(value, -1) {
			key := strings.ToLower(match)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, match)
		}
	}
	return out
}
