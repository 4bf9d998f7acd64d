// Package feed renders live deals as an Atom feed.
package feed

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"dealdrip/pkg/deal"
)

// DefaultLimit caps the number of entries.
const DefaultLimit = 50

// Source lists live posts, newest first.
type Source interface {
	Live(ctx context.Context, now time.Time, limit int) ([]deal.Post, error)
}

// Builder renders the feed.
type Builder struct {
	source  Source
	logger  *slog.Logger
	now     func() time.Time
	title   string
	baseURL string
	limit   int
}

// New creates a feed builder. baseURL is the public address of the service.
func New(source Source, title, baseURL string, logger *slog.Logger) *Builder {
	if title == "" {
		title = "Deals"
	}
	return &Builder{
		source:  source,
		logger:  logger,
		now:     time.Now,
		title:   title,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		limit:   DefaultLimit,
	}
}

// Atom returns the feed document.
func (b *Builder) Atom(ctx context.Context) (string, error) {
	now := b.now()
	posts, err := b.source.Live(ctx, now, b.limit)
	if err != nil {
		return "", fmt.Errorf("list live posts: %w", err)
	}

	f := &feeds.Feed{
		Title:       b.title,
		Description: "Discounted products, published through the day",
		Link:        &feeds.Link{Href: b.baseURL + "/feed.xml", Rel: "self", Type: "application/atom+xml"},
		Id:          "tag:" + hostOf(b.baseURL) + ",2025:feed",
		Created:     now,
		Updated:     now,
	}
	if len(posts) > 0 {
		f.Updated = posts[0].PublishAt
	}

	for i := range posts {
		p := &posts[i]
		title := p.Title
		if p.DiscountTag > 0 {
			title = fmt.Sprintf("-%d%% %s", p.DiscountTag, p.Title)
		}
		item := &feeds.Item{
			Title:       title,
			Link:        &feeds.Link{Href: p.TrackingLink, Rel: "alternate", Type: "text/html"},
			Id:          "urn:uuid:" + p.ID,
			Description: describe(p),
			Created:     p.PublishAt,
			Updated:     p.PublishAt,
		}
		if p.AdvertiserName != "" {
			item.Author = &feeds.Author{Name: p.AdvertiserName}
		}
		if p.ImageLink != "" {
			item.Enclosure = &feeds.Enclosure{Url: p.ImageLink, Type: "image/jpeg", Length: "0"}
		}
		f.Items = append(f.Items, item)
	}

	atom, err := f.ToAtom()
	if err != nil {
		return "", fmt.Errorf("render atom: %w", err)
	}
	b.logger.Debug("Feed rendered", "items", len(posts), "bytes", len(atom))
	return atom, nil
}

func describe(p *deal.Post) string {
	var sb strings.Builder
	if p.ImageLink != "" {
		fmt.Fprintf(&sb, "<p><img src=\"%s\" alt=\"\"></p>", html.EscapeString(p.ImageLink))
	}
	fmt.Fprintf(&sb, "<p><s>%.2f</s> <b>%.2f</b></p>", p.Price, p.SalePrice)
	if p.Description != "" {
		fmt.Fprintf(&sb, "<p>%s</p>", html.EscapeString(p.Description))
	}
	return sb.String()
}

func hostOf(baseURL string) string {
	host := baseURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return "localhost"
	}
	return host
}
