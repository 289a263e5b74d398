package usecase

import (
	"strconv"
	"strings"
)

// ParseIdentifiers splits a free-form identifier blob into usernames and
// numeric user ids. Commas and newlines both separate entries; purely
// numeric entries are treated as user ids. Duplicates are removed with the
// first occurrence keeping its position.
func ParseIdentifiers(input string) (usernames []string, userIDs []int64) {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})

	seen := map[string]bool{}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		if id, err := strconv.ParseInt(f, 10, 64); err == nil {
			userIDs = append(userIDs, id)
			continue
		}
		usernames = append(usernames, strings.TrimPrefix(f, "@"))
	}
	return usernames, userIDs
}
