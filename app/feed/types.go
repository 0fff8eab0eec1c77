package feed

import (
	"time"
)

const (
	KindRSS       = "rss"       // RSS, Atom and JSON Feed documents
	KindWordPress = "wordpress" // WordPress REST wp/v2/posts listings
)

type Metadata struct {
	Title       string
	Link        string
	Description string
	Language    string
}

type Item struct {
	Fingerprint string
	GUID        string
	Title       string
	Link        string
	Description string
	Content     string
	PublishedAt time.Time // Falls back to the parse time for undated entries
	Authors     []string  // Multiple authors in format "email (name)" or "name"
	Categories  []string
}
