package feed

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestParser(opts ...ParserOption) *Parser {
	return NewParser(append([]ParserOption{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func TestParseRSS(t *testing.T) {
	rssData := `<?xml version="1.0"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
  <channel>
    <title>Remote Jobs</title>
    <link>https://example.com</link>
    <item>
      <title>Senior Go Engineer</title>
      <link>https://example.com/jobs/1</link>
      <guid isPermaLink="false">job-1</guid>
      <company>Acme</company>
      <location>Berlin</location>
      <description>Build pipelines</description>
      <pubDate>Mon, 03 Jul 2023 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Data Engineer</title>
      <link>https://example.com/jobs/2</link>
      <guid>job-2</guid>
      <dc:creator>Globex</dc:creator>
      <region>EMEA</region>
      <description>Move data</description>
    </item>
  </channel>
</rss>`

	parser := newTestParser()
	shape, records, err := parser.Run("remote", []byte(rssData))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if shape != ShapeRSS {
		t.Errorf("Expected shape %q, got %q", ShapeRSS, shape)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got: %d", len(records))
	}

	first := records[0]
	if first.DedupKey != "job-1" {
		t.Errorf("Expected dedup key 'job-1', got: %s", first.DedupKey)
	}
	if first.Title != "Senior Go Engineer" {
		t.Errorf("Expected title 'Senior Go Engineer', got: %s", first.Title)
	}
	if first.Company != "Acme" {
		t.Errorf("Expected company 'Acme', got: %s", first.Company)
	}
	if first.Location != "Berlin" {
		t.Errorf("Expected location 'Berlin', got: %s", first.Location)
	}
	if first.URL != "https://example.com/jobs/1" {
		t.Errorf("Expected URL 'https://example.com/jobs/1', got: %s", first.URL)
	}
	if first.Source != "remote" {
		t.Errorf("Expected source 'remote', got: %s", first.Source)
	}
	expectedPublished := time.Date(2023, 7, 3, 10, 0, 0, 0, time.UTC)
	if !first.PublishedAt.Equal(expectedPublished) {
		t.Errorf("Expected published %v, got: %v", expectedPublished, first.PublishedAt)
	}

	second := records[1]
	if second.Company != "Globex" {
		t.Errorf("Expected company from dc:creator 'Globex', got: %s", second.Company)
	}
	if second.Location != "EMEA" {
		t.Errorf("Expected location from region 'EMEA', got: %s", second.Location)
	}
	if !second.PublishedAt.Equal(fixedNow) {
		t.Errorf("Expected missing pubDate to default to now, got: %v", second.PublishedAt)
	}
}

func TestParseAtom(t *testing.T) {
	atomData := `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Jobs</title>
  <id>urn:feed</id>
  <updated>2024-01-15T09:30:00Z</updated>
  <entry>
    <id>urn:job:1</id>
    <title>Platform Engineer</title>
    <link rel="alternate" href="https://example.com/jobs/atom-1"/>
    <summary>Run the platform</summary>
    <author><name>Initech</name></author>
    <published>2024-01-15T09:30:00Z</published>
    <updated>2024-01-16T09:30:00Z</updated>
  </entry>
</feed>`

	_, records, err := newTestParser().Run("atom", []byte(atomData))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got: %d", len(records))
	}

	record := records[0]
	if record.DedupKey != "urn:job:1" {
		t.Errorf("Expected dedup key 'urn:job:1', got: %s", record.DedupKey)
	}
	if record.URL != "https://example.com/jobs/atom-1" {
		t.Errorf("Expected URL from link href, got: %s", record.URL)
	}
	if record.Description != "Run the platform" {
		t.Errorf("Expected description from summary, got: %s", record.Description)
	}
	if record.Company != "Initech" {
		t.Errorf("Expected company from author name 'Initech', got: %s", record.Company)
	}
	if !record.PublishedAt.Equal(time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("Expected published date from <published>, got: %v", record.PublishedAt)
	}
}

func TestParseGenericJobs(t *testing.T) {
	jobsData := `<jobs>
  <job id="42">
    <title>  Backend Developer  </title>
    <company>Umbrella</company>
    <city>Lisbon</city>
    <url>https://example.com/apply/42</url>
    <date>2024-02-10</date>
  </job>
</jobs>`

	shape, records, err := newTestParser().Run("generic", []byte(jobsData))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if shape != ShapeJobs {
		t.Errorf("Expected shape %q, got %q", ShapeJobs, shape)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got: %d", len(records))
	}

	record := records[0]
	if record.DedupKey != "42" {
		t.Errorf("Expected dedup key from id attribute '42', got: %s", record.DedupKey)
	}
	if record.Title != "Backend Developer" {
		t.Errorf("Expected trimmed title, got: %q", record.Title)
	}
	if record.Location != "Lisbon" {
		t.Errorf("Expected location from city, got: %s", record.Location)
	}
	if record.URL != "https://example.com/apply/42" {
		t.Errorf("Expected URL from url field, got: %s", record.URL)
	}
	if !record.PublishedAt.Equal(time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected published 2024-02-10, got: %v", record.PublishedAt)
	}
}

func TestParseShapePrecedence(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		shape Shape
		count int
	}{
		{
			name:  "rss with items",
			data:  `<rss><channel><item><guid>a</guid></item></channel></rss>`,
			shape: ShapeRSS,
			count: 1,
		},
		{
			name:  "rss without items",
			data:  `<rss><channel><title>Empty</title></channel></rss>`,
			shape: ShapeNone,
			count: 0,
		},
		{
			name:  "atom entries",
			data:  `<feed><entry><id>a</id></entry><entry><id>b</id></entry></feed>`,
			shape: ShapeAtom,
			count: 2,
		},
		{
			name:  "generic jobs",
			data:  `<jobs><job><id>a</id></job></jobs>`,
			shape: ShapeJobs,
			count: 1,
		},
		{
			name:  "unknown root",
			data:  `<html><body><p>not a feed</p></body></html>`,
			shape: ShapeNone,
			count: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, records, err := newTestParser().Run("probe", []byte(tt.data))
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if shape != tt.shape {
				t.Errorf("Expected shape %q, got %q", tt.shape, shape)
			}
			if records == nil {
				t.Error("Expected non-nil record slice")
			}
			if len(records) != tt.count {
				t.Errorf("Expected %d records, got %d", tt.count, len(records))
			}
		})
	}
}

func TestParseMalformedContent(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty body", ""},
		{"json body", `{"jobs": []}`},
		{"unterminated", `<rss><channel><item><title>broken`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, records, err := newTestParser().Run("broken", []byte(tt.data))
			if err == nil {
				t.Fatal("Expected parse error")
			}
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Errorf("Expected *ParseError, got %T", err)
			}
			if records != nil {
				t.Errorf("Expected nil records on error, got %d", len(records))
			}
		})
	}
}

func TestDedupKeyPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		item     string
		expected string
	}{
		{"guid wins", `<item><guid>g</guid><id>i</id><link>l</link></item>`, "g"},
		{"id before link", `<item><id>i</id><link>l</link></item>`, "i"},
		{"link last", `<item><link>l</link></item>`, "l"},
		{"fallback with pubDate", `<item><title>Go Dev</title><pubDate>2024-01-01</pubDate></item>`, "feed-Go Dev-2024-01-01"},
		{"fallback with clock", `<item><title>Go Dev</title></item>`, "feed-Go Dev-1709294400000"},
		{"fallback without title", `<item><description>x</description></item>`, "feed-job-1709294400000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := `<rss><channel>` + tt.item + `</channel></rss>`
			_, records, err := newTestParser().Run("feed", []byte(data))
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("Expected 1 record, got %d", len(records))
			}
			if records[0].DedupKey != tt.expected {
				t.Errorf("Expected key %q, got %q", tt.expected, records[0].DedupKey)
			}
		})
	}
}

func TestFallbackDedupKeyIsNotStable(t *testing.T) {
	data := []byte(`<rss><channel><item><title>Go Dev</title></item></channel></rss>`)

	tick := fixedNow
	parser := NewParser(WithClock(func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}))

	_, first, _ := parser.Run("feed", data)
	_, second, _ := parser.Run("feed", data)

	if first[0].DedupKey == second[0].DedupKey {
		t.Errorf("Expected clock-based fallback keys to differ, both were %q", first[0].DedupKey)
	}
}

func TestUntitledRoleDefault(t *testing.T) {
	_, records, err := newTestParser().Run("feed", []byte(`<jobs><job><id>1</id></job></jobs>`))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if records[0].Title != untitledRole {
		t.Errorf("Expected title %q, got %q", untitledRole, records[0].Title)
	}
	if records[0].Company != "" || records[0].Location != "" || records[0].Description != "" {
		t.Errorf("Expected missing optional fields to be empty, got %+v", records[0])
	}
}

func TestRawPayload(t *testing.T) {
	data := `<rss><channel><item>
  <guid isPermaLink="true">https://example.com/jobs/7</guid>
  <title>SRE</title>
  <category>ops</category>
  <category>cloud</category>
</item></channel></rss>`

	_, records, err := newTestParser().Run("feed", []byte(data))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(records[0].RawPayload, &raw); err != nil {
		t.Fatalf("Expected raw payload to be a JSON object: %v", err)
	}

	if raw["title"] != "SRE" {
		t.Errorf("Expected raw title 'SRE', got %v", raw["title"])
	}

	guid, ok := raw["guid"].(map[string]any)
	if !ok {
		t.Fatalf("Expected guid with attributes to be an object, got %T", raw["guid"])
	}
	if guid["_"] != "https://example.com/jobs/7" || guid["isPermaLink"] != "true" {
		t.Errorf("Unexpected guid payload: %v", guid)
	}

	categories, ok := raw["category"].([]any)
	if !ok || len(categories) != 2 {
		t.Errorf("Expected repeated category to become a 2 element array, got %v", raw["category"])
	}

	if records[0].DedupKey != "https://example.com/jobs/7" {
		t.Errorf("Expected guid text as key, got %q", records[0].DedupKey)
	}
}

func TestPlainTextDescriptions(t *testing.T) {
	paragraph := strings.Repeat("We are hiring engineers to build reliable ingestion systems for job listings. ", 6)
	data := `<rss><channel><item><guid>1</guid><description><![CDATA[<div><p>` + paragraph + `</p><p>` + paragraph + `</p></div>]]></description></item>
<item><guid>2</guid><description>No markup here</description></item></channel></rss>`

	_, records, err := newTestParser(WithPlainTextDescriptions()).Run("feed", []byte(data))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if strings.Contains(records[0].Description, "<p>") {
		t.Errorf("Expected markup to be stripped, got %q", records[0].Description)
	}
	if !strings.Contains(records[0].Description, "reliable ingestion systems") {
		t.Errorf("Expected description text to survive, got %q", records[0].Description)
	}
	if records[1].Description != "No markup here" {
		t.Errorf("Expected plain description unchanged, got %q", records[1].Description)
	}
}
