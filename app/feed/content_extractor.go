package feed

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-shiori/go-readability"
)

type ContentExtractor struct{}

func NewContentExtractor() *ContentExtractor {
	return &ContentExtractor{}
}

func (e *ContentExtractor) Run(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("HTML data is empty")
	}

	article, err := readability.FromReader(strings.NewReader(string(data)), nil)
	if err != nil {
		return "", fmt.Errorf("failed to extract content: %w", err)
	}

	text := strings.Join(strings.Fields(article.TextContent), " ")
	if text == "" {
		return "", fmt.Errorf("no text extracted from HTML data")
	}

	return text, nil
}

// PlainText returns s unchanged unless it looks like markup and readability
// can extract text from it.
func (e *ContentExtractor) PlainText(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}

	text, err := e.Run([]byte(s))
	if err != nil {
		slog.Debug("Keeping raw description", "error", err)
		return s
	}
	return text
}
