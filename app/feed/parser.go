package feed

import (
	"bytes"
	"cmp"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

type Parser struct {
	gofeedParser *gofeed.Parser
	now          func() time.Time
}

func NewParser() *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
		now:          time.Now,
	}
}

// Run parses a fetched document of the given kind and fingerprints every item
// against sourceURL. Any parse failure is a PermanentFormat error.
func (p *Parser) Run(kind, sourceURL string, data []byte) (*Metadata, []Item, error) {
	var (
		metadata *Metadata
		items    []Item
		err      error
	)

	switch cmp.Or(kind, KindRSS) {
	case KindRSS:
		metadata, items, err = p.parseFeed(data)
	case KindWordPress:
		metadata, items, err = p.parseWordPress(data)
	default:
		return nil, nil, NewError(KindPermanentFormat, "parse", fmt.Errorf("unsupported feed kind %q", kind))
	}
	if err != nil {
		return nil, nil, NewError(KindPermanentFormat, "parse", err)
	}

	for i := range items {
		items[i].Fingerprint = Fingerprint(sourceURL, cmp.Or(items[i].GUID, items[i].Link), items[i].Title)
	}

	return metadata, items, nil
}

func (p *Parser) parseFeed(data []byte) (*Metadata, []Item, error) {
	feed, err := p.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	metadata := &Metadata{
		Title:       feed.Title,
		Link:        feed.Link,
		Description: feed.Description,
		Language:    feed.Language,
	}

	now := p.now().UTC()
	items := make([]Item, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		items = append(items, p.normalizeItem(item, now))
	}

	return metadata, items, nil
}

func (p *Parser) normalizeItem(item *gofeed.Item, now time.Time) Item {
	normalized := Item{
		GUID:        cmp.Or(item.GUID, item.Link),
		Title:       strings.TrimSpace(item.Title),
		Link:        item.Link,
		Description: item.Description,
		Content:     item.Content,
		Authors:     p.extractAuthors(item),
		Categories:  item.Categories,
		PublishedAt: now,
	}

	switch {
	case item.PublishedParsed != nil:
		normalized.PublishedAt = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		normalized.PublishedAt = item.UpdatedParsed.UTC()
	}

	return normalized
}

func (p *Parser) extractAuthors(item *gofeed.Item) []string {
	var authors []string

	if len(item.Authors) > 0 {
		for _, author := range item.Authors {
			if author != nil {
				if s := formatAuthor(author.Name, author.Email); s != "" {
					authors = append(authors, s)
				}
			}
		}
	} else if item.Author != nil {
		if s := formatAuthor(item.Author.Name, item.Author.Email); s != "" {
			authors = append(authors, s)
		}
	}

	return authors
}

func formatAuthor(name, email string) string {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	switch {
	case name != "" && email != "":
		return fmt.Sprintf("%s (%s)", email, name)
	case name != "":
		return name
	default:
		return email
	}
}
