package feed

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
	"golang.org/x/text/unicode/norm"
)

type Parser struct {
	now       func() time.Time
	extractor *ContentExtractor
}

type ParserOption func(*Parser)

// WithClock replaces the wall clock used for missing publish dates and the
// fallback dedup key.
func WithClock(now func() time.Time) ParserOption {
	return func(p *Parser) {
		p.now = now
	}
}

// WithPlainTextDescriptions converts HTML descriptions to plain text.
func WithPlainTextDescriptions() ParserOption {
	return func(p *Parser) {
		p.extractor = NewContentExtractor()
	}
}

func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run probes data for a known feed shape and normalizes every item of the
// first shape found. Unknown shapes yield no records and no error; only
// content that cannot be read as XML is a ParseError.
func (p *Parser) Run(feedName string, data []byte) (Shape, []Record, error) {
	doc, err := parseTree(data)
	if err != nil {
		return ShapeNone, nil, &ParseError{Err: err}
	}

	shape, items := probe(doc)
	if shape == ShapeNone {
		return ShapeNone, []Record{}, nil
	}

	standard := p.standardItems(shape, data, len(items))

	records := make([]Record, 0, len(items))
	for i, item := range items {
		std := &gofeed.Item{}
		if standard != nil && standard[i] != nil {
			std = standard[i]
		}
		records = append(records, p.normalizeItem(feedName, item, std))
	}

	return shape, records, nil
}

func probe(doc *node) (Shape, []*node) {
	if items := doc.child("rss").child("channel").all("item"); len(items) > 0 {
		return ShapeRSS, items
	}
	if entries := doc.child("feed").all("entry"); len(entries) > 0 {
		return ShapeAtom, entries
	}
	if jobs := doc.child("jobs").all("job"); len(jobs) > 0 {
		return ShapeJobs, jobs
	}
	return ShapeNone, nil
}

// standardItems runs RSS and Atom documents through gofeed. The result is
// only used when it lines up one-to-one with the probed items.
func (p *Parser) standardItems(shape Shape, data []byte, want int) []*gofeed.Item {
	if shape != ShapeRSS && shape != ShapeAtom {
		return nil
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		slog.Debug("gofeed could not parse document, using raw fields only", "shape", string(shape), "error", err)
		return nil
	}
	if len(parsed.Items) != want {
		slog.Debug("gofeed item count mismatch, using raw fields only", "shape", string(shape), "gofeed", len(parsed.Items), "probed", want)
		return nil
	}
	return parsed.Items
}

func (p *Parser) normalizeItem(feedName string, item *node, std *gofeed.Item) Record {
	rawTitle := item.field("title")
	rawPublished := cmp.Or(item.field("pubDate"), item.field("published"), item.field("updated"), item.field("date"))

	record := Record{
		DedupKey:    p.dedupKey(feedName, item, rawTitle, rawPublished),
		Title:       clean(cmp.Or(rawTitle, std.Title, untitledRole)),
		Company:     clean(cmp.Or(item.field("company"), item.field("creator"), authorName(std))),
		Location:    clean(cmp.Or(item.field("location"), item.field("city"), item.field("region"))),
		Description: clean(cmp.Or(item.field("description"), item.field("summary"), std.Description, item.field("content"), std.Content)),
		URL:         clean(cmp.Or(linkOf(item), item.field("url"), std.Link)),
		Source:      feedName,
		PublishedAt: p.publishedAt(rawPublished, std),
	}

	if p.extractor != nil {
		record.Description = p.extractor.PlainText(record.Description)
	}

	raw, err := json.Marshal(item.toValue())
	if err != nil {
		slog.Warn("Failed to encode raw payload", "feed", feedName, "key", record.DedupKey, "error", err)
		raw = []byte("{}")
	}
	record.RawPayload = raw

	return record
}

// dedupKey prefers stable identifiers. The composite fallback reads the clock
// and is therefore not stable across re-fetches.
func (p *Parser) dedupKey(feedName string, item *node, title, published string) string {
	if key := cmp.Or(item.field("guid"), item.field("id"), linkOf(item)); key != "" {
		return key
	}
	return fmt.Sprintf("%s-%s-%s",
		feedName,
		cmp.Or(title, "job"),
		cmp.Or(published, strconv.FormatInt(p.now().UnixMilli(), 10)))
}

func (p *Parser) publishedAt(raw string, std *gofeed.Item) time.Time {
	if raw != "" {
		if t, err := dateparse.ParseAny(raw); err == nil {
			return t.UTC()
		}
	}
	if std.PublishedParsed != nil {
		return std.PublishedParsed.UTC()
	}
	if std.UpdatedParsed != nil {
		return std.UpdatedParsed.UTC()
	}
	return p.now().UTC()
}

func linkOf(item *node) string {
	for _, l := range item.all("link") {
		if v := l.value(); v != "" {
			return v
		}
		rel := l.attr("rel")
		if href := l.attr("href"); href != "" && (rel == "" || rel == "alternate") {
			return href
		}
	}
	return ""
}

func authorName(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
