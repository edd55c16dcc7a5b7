package feed

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/lysyi3m/job-importer/app/feed")

// Client retrieves a feed and turns its items into Records.
type Client struct {
	fetcher *Fetcher
	parser  *Parser
}

func NewClient(fetcher *Fetcher, parser *Parser) *Client {
	return &Client{fetcher: fetcher, parser: parser}
}

// FetchAndNormalize returns a *FetchError for transport failures and a
// *ParseError for unreadable content.
func (c *Client) FetchAndNormalize(ctx context.Context, f Feed) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "feed.fetch_and_normalize")
	defer span.End()
	span.SetAttributes(attribute.String("feed.name", f.Name), attribute.String("feed.url", f.URL))

	data, err := c.fetcher.Run(ctx, f.URL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}

	shape, records, err := c.parser.Run(f.Name, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("feed.shape", string(shape)), attribute.Int("feed.items", len(records)))
	slog.Debug("Feed normalized", "feed", f.Name, "shape", string(shape), "items", len(records), "bytes", len(data))

	return records, nil
}
