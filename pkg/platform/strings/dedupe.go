// Package strings holds list helpers for query parameters and env values.
package strings

import (
	"strings"
)

// SplitList flattens comma-separated values into one list, trimming
// whitespace and dropping empties and repeats. First occurrence wins.
//
// Example:
//
//	SplitList([]string{"failed_login, data_read", "failed_login", " "})
//	// Returns: []string{"failed_login", "data_read"}
func SplitList(values ...string) []string {
	if len(values) == 0 {
		return nil
	}

	var result []string
	seen := make(map[string]struct{})
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			result = append(result, part)
		}
	}
	return result
}
