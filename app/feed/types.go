package feed

import (
	"encoding/json"
	"time"
)

// Feed is a named external source of job listings
type Feed struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// Record is the canonical shape every feed item is normalized into
type Record struct {
	DedupKey    string          `json:"externalId"`
	Title       string          `json:"title"`
	Company     string          `json:"company"`
	Location    string          `json:"location"`
	Description string          `json:"description"`
	URL         string          `json:"url"`
	Source      string          `json:"source"`
	PublishedAt time.Time       `json:"publishedAt"`
	RawPayload  json.RawMessage `json:"rawPayload"`
}

// Shape identifies which feed layout matched during probing
type Shape string

const (
	ShapeNone Shape = ""
	ShapeRSS  Shape = "rss"
	ShapeAtom Shape = "atom"
	ShapeJobs Shape = "jobs"
)

const untitledRole = "Untitled role"
