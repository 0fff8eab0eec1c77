package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var titlePolicy = bluemonday.StrictPolicy()

// NormalizeTitle reduces a title to a form that is stable across markup,
// entity encoding, Unicode composition, letter case and spacing differences.
func NormalizeTitle(title string) string {
	s := titlePolicy.Sanitize(title)
	s = html.UnescapeString(s)
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint is the dedup key of an item: hex SHA-256 of source URL, entry
// identity (GUID, else link) and normalized title.
func Fingerprint(sourceURL, guidOrLink, title string) string {
	content := strings.Join([]string{
		strings.TrimSpace(sourceURL),
		strings.TrimSpace(guidOrLink),
		NormalizeTitle(title),
	}, "|")

	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
