package feed

import (
	"errors"
	"testing"
	"time"
)

const testSource = "https://example.com/feed.xml"

func TestParseRSS2(t *testing.T) {
	rssData := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <link>https://example.com</link>
    <description>Test Description</description>
    <language>en-us</language>
    <item>
      <title>Test Item 1</title>
      <link>https://example.com/item1</link>
      <description>Test Item 1 Description</description>
      <guid>item-1</guid>
      <pubDate>Mon, 03 Jul 2023 10:00:00 GMT</pubDate>
      <author>test@example.com (Test Author)</author>
      <category>Technology</category>
      <category>Programming</category>
    </item>
    <item>
      <title>Test Item 2</title>
      <link>https://example.com/item2</link>
      <description>Test Item 2 Description</description>
      <pubDate>Mon, 03 Jul 2023 11:00:00 GMT</pubDate>
    </item>
  </channel>
</rss>`

	parser := NewParser()
	metadata, items, err := parser.Run(KindRSS, testSource, []byte(rssData))

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if metadata.Title != "Test Feed" {
		t.Errorf("Expected title 'Test Feed', got: %s", metadata.Title)
	}
	if metadata.Language != "en-us" {
		t.Errorf("Expected language 'en-us', got: %s", metadata.Language)
	}

	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got: %d", len(items))
	}

	item1 := items[0]
	if item1.GUID != "item-1" {
		t.Errorf("Expected GUID 'item-1', got: %s", item1.GUID)
	}
	if len(item1.Categories) != 2 {
		t.Errorf("Expected 2 categories, got: %d", len(item1.Categories))
	}
	if !item1.PublishedAt.Equal(time.Date(2023, 7, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected published 2023-07-03 10:00 UTC, got: %v", item1.PublishedAt)
	}
	if item1.Fingerprint != Fingerprint(testSource, "item-1", "Test Item 1") {
		t.Errorf("Expected fingerprint of source, guid and title, got: %s", item1.Fingerprint)
	}

	// GUID falls back to the link
	if items[1].GUID != "https://example.com/item2" {
		t.Errorf("Expected GUID to fall back to link, got: %s", items[1].GUID)
	}
}

func TestParseAtom(t *testing.T) {
	atomData := `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Test Atom Feed</title>
  <link href="https://example.com"/>
  <updated>2023-07-03T12:00:00Z</updated>
  <id>urn:uuid:1234567890</id>
  <entry>
    <title>Test Entry</title>
    <link href="https://example.com/entry1"/>
    <id>urn:uuid:entry-1</id>
    <updated>2023-07-03T10:00:00Z</updated>
    <author><name>Test Author</name></author>
    <content type="html">Test content</content>
  </entry>
</feed>`

	parser := NewParser()
	metadata, items, err := parser.Run(KindRSS, testSource, []byte(atomData))

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if metadata.Title != "Test Atom Feed" {
		t.Errorf("Expected title 'Test Atom Feed', got: %s", metadata.Title)
	}

	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got: %d", len(items))
	}

	item := items[0]
	if item.GUID != "urn:uuid:entry-1" {
		t.Errorf("Expected GUID 'urn:uuid:entry-1', got: %s", item.GUID)
	}
	if !item.PublishedAt.Equal(time.Date(2023, 7, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected updated time as published fallback, got: %v", item.PublishedAt)
	}
	if len(item.Authors) != 1 || item.Authors[0] != "Test Author" {
		t.Errorf("Expected author 'Test Author', got: %v", item.Authors)
	}
}

func TestParseUndatedItemUsesParseTime(t *testing.T) {
	now := time.Date(2024, 2, 2, 8, 0, 0, 0, time.UTC)
	parser := NewParser()
	parser.now = func() time.Time { return now }

	rssData := `<rss version="2.0"><channel><title>T</title>
<item><title>Undated</title><link>https://example.com/u</link></item>
</channel></rss>`

	_, items, err := parser.Run(KindRSS, testSource, []byte(rssData))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(items) != 1 || !items[0].PublishedAt.Equal(now) {
		t.Errorf("Expected undated item to use parse time, got: %+v", items)
	}
}

func TestParseInvalidFeed(t *testing.T) {
	parser := NewParser()
	_, _, err := parser.Run(KindRSS, testSource, []byte("invalid xml"))

	if err == nil {
		t.Fatal("Expected error for invalid XML")
	}
	if KindOf(err) != KindPermanentFormat {
		t.Errorf("Expected kind %s, got %s", KindPermanentFormat, KindOf(err))
	}

	var fe *Error
	if !errors.As(err, &fe) || fe.Op != "parse" {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestParseUnknownKind(t *testing.T) {
	parser := NewParser()
	_, _, err := parser.Run("gopher", testSource, []byte("{}"))

	if KindOf(err) != KindPermanentFormat {
		t.Errorf("Expected kind %s, got %v", KindPermanentFormat, err)
	}
}

func TestParseWordPress(t *testing.T) {
	data := `[
  {
    "id": 1,
    "guid": {"rendered": "https://blog.example.com/?p=1"},
    "link": "https://blog.example.com/one",
    "date_gmt": "2024-03-01T09:00:00",
    "title": {"rendered": "Raw &amp; Title"},
    "excerpt": {"rendered": "<p>Short <b>excerpt</b></p>"},
    "content": {"rendered": "<p>Body</p>"},
    "yoast_head_json": {
      "og_title": "OG Title",
      "twitter_title": "Twitter Title",
      "twitter_description": "Twitter description",
      "twitter_misc": {"Written by": "Jane Doe"},
      "article_published_time": "2024-03-01T10:00:00+00:00"
    }
  },
  {
    "id": 2,
    "link": "https://blog.example.com/two",
    "date_gmt": "2024-03-02T09:00:00",
    "title": {"rendered": "Second &amp; Post"},
    "excerpt": {"rendered": "<p>Second excerpt</p>"}
  }
]`

	parser := NewParser()
	_, items, err := parser.Run(KindWordPress, "https://blog.example.com/wp-json/wp/v2/posts", []byte(data))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got: %d", len(items))
	}

	first := items[0]
	if first.Title != "OG Title" {
		t.Errorf("Expected og_title fallback, got: %s", first.Title)
	}
	if first.Description != "Twitter description" {
		t.Errorf("Expected twitter_description fallback, got: %s", first.Description)
	}
	if len(first.Authors) != 1 || first.Authors[0] != "Jane Doe" {
		t.Errorf("Expected author from twitter_misc, got: %v", first.Authors)
	}
	if !first.PublishedAt.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected article_published_time, got: %v", first.PublishedAt)
	}
	if first.GUID != "https://blog.example.com/?p=1" {
		t.Errorf("Expected rendered guid, got: %s", first.GUID)
	}

	second := items[1]
	if second.Title != "Second & Post" {
		t.Errorf("Expected stripped rendered title, got: %s", second.Title)
	}
	if second.Description != "Second excerpt" {
		t.Errorf("Expected stripped excerpt, got: %s", second.Description)
	}
	if second.GUID != "https://blog.example.com/two" {
		t.Errorf("Expected link as guid, got: %s", second.GUID)
	}
	if !second.PublishedAt.Equal(time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected date_gmt fallback, got: %v", second.PublishedAt)
	}
}

func TestParseWordPressInvalidPayload(t *testing.T) {
	parser := NewParser()
	_, _, err := parser.Run(KindWordPress, testSource, []byte(`{"code":"rest_post_invalid_page_number"}`))

	if KindOf(err) != KindPermanentFormat {
		t.Errorf("Expected kind %s, got %v", KindPermanentFormat, err)
	}
}
