package datastore

import (
	"regexp"
	"strings"
)

// duplicateIDRegex extracts the existing record id from a duplicate failure message
var duplicateIDRegex = regexp.MustCompile(`with id:\s*([a-zA-Z0-9]{15,18})`)

// IsDuplicate reports whether a write failed because the record already exists
func IsDuplicate(werr *WriteError) bool {
	if werr == nil {
		return false
	}
	return werr.Code == CodeDuplicate || strings.Contains(strings.ToLower(werr.Message), "duplicate value found")
}

// ExistingID returns the id of the record a duplicate failure points at
func ExistingID(werr *WriteError) (string, bool) {
	if !IsDuplicate(werr) {
		return "", false
	}
	m := duplicateIDRegex.FindStringSubmatch(werr.Message)
	if m == nil {
		return "", false
	}
	return m[1], true
}
