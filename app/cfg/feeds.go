package cfg

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/lysyi3m/job-importer/app/feed"
	"gopkg.in/yaml.v3"
)

type feedsFile struct {
	Feeds []feed.Feed `yaml:"feeds"`
}

// ParseFeeds reads a comma-separated list of name|url entries. Only the first
// pipe separates, so a URL may contain pipes. Entries missing either part are
// skipped.
func ParseFeeds(spec string) []feed.Feed {
	var feeds []feed.Feed

	for _, chunk := range strings.Split(spec, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}

		name, rawURL, _ := strings.Cut(chunk, "|")
		f := feed.Feed{Name: strings.TrimSpace(name), URL: strings.TrimSpace(rawURL)}
		if err := validateFeed(f); err != nil {
			slog.Warn("Skipping feed entry", "entry", chunk, "error", err)
			continue
		}
		feeds = append(feeds, f)
	}

	return feeds
}

// LoadFeedsFile loads feeds from a YAML document of the form
//
//	feeds:
//	  - name: remote
//	    url: https://example.com/jobs.rss
func LoadFeedsFile(path string) ([]feed.Feed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feeds file: %w", err)
	}

	var doc feedsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse feeds file %s: %w", path, err)
	}

	feeds := make([]feed.Feed, 0, len(doc.Feeds))
	for i, f := range doc.Feeds {
		f.Name = strings.TrimSpace(f.Name)
		f.URL = strings.TrimSpace(f.URL)
		if err := validateFeed(f); err != nil {
			return nil, fmt.Errorf("invalid feed #%d in %s: %w", i+1, path, err)
		}
		feeds = append(feeds, f)
	}

	return feeds, nil
}

func validateFeed(f feed.Feed) error {
	if f.Name == "" {
		return fmt.Errorf("feed name is required")
	}
	if f.URL == "" {
		return fmt.Errorf("feed URL is required")
	}

	u, err := url.Parse(f.URL)
	if err != nil {
		return fmt.Errorf("invalid feed URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("feed URL must be http or https, got %q", u.Scheme)
	}

	return nil
}

// dedupeFeeds keeps the first feed of each name.
func dedupeFeeds(feeds []feed.Feed) []feed.Feed {
	seen := make(map[string]bool, len(feeds))
	out := make([]feed.Feed, 0, len(feeds))

	for _, f := range feeds {
		if seen[f.Name] {
			slog.Warn("Duplicate feed name, keeping the first entry", "feed", f.Name)
			continue
		}
		seen[f.Name] = true
		out = append(out, f)
	}

	return out
}
