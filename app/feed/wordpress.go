package feed

import (
	"cmp"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

type wpRendered struct {
	Rendered string `json:"rendered"`
}

type wpYoast struct {
	Title                string            `json:"title"`
	OGTitle              string            `json:"og_title"`
	TwitterTitle         string            `json:"twitter_title"`
	Description          string            `json:"description"`
	OGDescription        string            `json:"og_description"`
	TwitterDescription   string            `json:"twitter_description"`
	Author               string            `json:"author"`
	ArticlePublishedTime string            `json:"article_published_time"`
	TwitterMisc          map[string]string `json:"twitter_misc"`
}

type wpPost struct {
	ID        int64      `json:"id"`
	GUID      wpRendered `json:"guid"`
	Link      string     `json:"link"`
	DateGMT   string     `json:"date_gmt"`
	Title     wpRendered `json:"title"`
	Excerpt   wpRendered `json:"excerpt"`
	Content   wpRendered `json:"content"`
	YoastHead *wpYoast   `json:"yoast_head_json"`
}

func (p *Parser) parseWordPress(data []byte) (*Metadata, []Item, error) {
	var posts []wpPost
	if err := json.Unmarshal(data, &posts); err != nil {
		return nil, nil, fmt.Errorf("failed to decode wordpress posts: %w", err)
	}

	strict := bluemonday.StrictPolicy()
	now := p.now().UTC()

	items := make([]Item, 0, len(posts))
	for _, post := range posts {
		meta := post.YoastHead
		if meta == nil {
			meta = &wpYoast{}
		}

		item := Item{
			GUID:    cmp.Or(post.GUID.Rendered, post.Link),
			Link:    post.Link,
			Content: strings.TrimSpace(post.Content.Rendered),
			Title: cmp.Or(meta.Title, meta.OGTitle, meta.TwitterTitle,
				stripHTML(strict, post.Title.Rendered)),
			Description: cmp.Or(meta.Description, meta.OGDescription, meta.TwitterDescription,
				stripHTML(strict, post.Excerpt.Rendered)),
			PublishedAt: now,
		}

		if author := cmp.Or(meta.Author, meta.TwitterMisc["Written by"]); author != "" {
			item.Authors = []string{author}
		}

		if t, ok := parseWordPressTime(meta.ArticlePublishedTime, post.DateGMT); ok {
			item.PublishedAt = t
		}

		items = append(items, item)
	}

	return &Metadata{}, items, nil
}

// parseWordPressTime prefers the RFC 3339 yoast timestamp and falls back to
// date_gmt, which WordPress emits without a zone.
func parseWordPressTime(published, dateGMT string) (time.Time, bool) {
	if published != "" {
		if t, err := time.Parse(time.RFC3339, published); err == nil {
			return t.UTC(), true
		}
	}
	if dateGMT != "" {
		if t, err := time.Parse("2006-01-02T15:04:05", dateGMT); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func stripHTML(policy *bluemonday.Policy, s string) string {
	return strings.TrimSpace(html.UnescapeString(policy.Sanitize(s)))
}
