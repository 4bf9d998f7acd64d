package email

import (
	"fmt"
	"strings"

	"dealdrip/pkg/deal"
)

func (s *Sender) formatDigestBody(d *Digest) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".stats { background: #f8f9fa; padding: 15px 20px; border-radius: 8px; margin-bottom: 20px; }\n")
	b.WriteString(".section { margin-bottom: 30px; padding-bottom: 20px; border-bottom: 2px solid #27ae60; }\n")
	b.WriteString(".section:last-of-type { border-bottom: none; }\n")
	b.WriteString(".deal { margin: 10px 0; }\n")
	b.WriteString(".discount { color: #27ae60; font-weight: 600; }\n")
	b.WriteString(".meta { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; font-size: 0.9em; color: #7f8c8d; border-top: 1px solid #ddd; }\n")
	b.WriteString("a { color: #27ae60; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".stats { background: #2a2a2a; }\n")
	b.WriteString(".meta, .footer { color: #a0a0a0; }\n")
	b.WriteString("a, .discount { color: #4cd787; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	st := d.Stats
	b.WriteString("<div class=\"stats\">\n")
	b.WriteString(fmt.Sprintf("<p>Catalog check at %s</p>\n", escapeHTML(st.RunAt.In(s.loc).Format("Jan 2, 2006 at 3:04 PM MST"))))
	b.WriteString("<ul>\n")
	b.WriteString(fmt.Sprintf("<li>Products fetched: %d</li>\n", st.TotalFetched))
	b.WriteString(fmt.Sprintf("<li>Eligible for publishing: %d</li>\n", st.Eligible))
	b.WriteString(fmt.Sprintf("<li>Archived this run: %d</li>\n", st.Archived))
	b.WriteString(fmt.Sprintf("<li>Reactivated this run: %d</li>\n", st.Reactivated))
	b.WriteString(fmt.Sprintf("<li>Archive total: %d</li>\n", st.ArchiveTotal))
	b.WriteString("</ul>\n</div>\n")

	s.writeSection(&b, "Published today", d.Published)
	s.writeSection(&b, "Archived (out of stock or delisted)", d.Archived)
	s.writeSection(&b, "Back in stock", d.Reactivated)

	if s.baseURL != "" {
		b.WriteString("<div class=\"footer\">\n")
		b.WriteString(fmt.Sprintf("<a href=\"%s/status\">Engine status</a>\n", escapeHTML(strings.TrimSuffix(s.baseURL, "/"))))
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func (s *Sender) writeSection(b *strings.Builder, title string, posts []deal.Post) {
	if len(posts) == 0 {
		return
	}
	b.WriteString("<div class=\"section\">\n")
	b.WriteString(fmt.Sprintf("<h3>%s (%d)</h3>\n", escapeHTML(title), len(posts)))
	for i := range posts {
		p := &posts[i]
		b.WriteString("<div class=\"deal\">\n")
		if isSafeURL(p.TrackingLink) {
			b.WriteString(fmt.Sprintf("<a href=\"%s\">%s</a>", escapeHTML(p.TrackingLink), escapeHTML(p.Title)))
		} else {
			b.WriteString(escapeHTML(p.Title))
		}
		if p.DiscountTag > 0 {
			b.WriteString(fmt.Sprintf(" <span class=\"discount\">-%d%%</span>", p.DiscountTag))
		}
		b.WriteString("\n<div class=\"meta\">")
		if p.AdvertiserName != "" {
			b.WriteString(escapeHTML(p.AdvertiserName))
			b.WriteString(" &bull; ")
		}
		b.WriteString(fmt.Sprintf("%.2f &rarr; %.2f", p.Price, p.SalePrice))
		b.WriteString(" &bull; ")
		b.WriteString(escapeHTML(p.PublishAt.In(s.loc).Format("15:04")))
		b.WriteString("</div>\n</div>\n")
	}
	b.WriteString("</div>\n")
}

// formatDigestText is the plain-text alternative of the digest.
func (s *Sender) formatDigestText(d *Digest) string {
	var b strings.Builder
	st := d.Stats
	fmt.Fprintf(&b, "Catalog check at %s\n", st.RunAt.In(s.loc).Format("Jan 2, 2006 15:04 MST"))
	fmt.Fprintf(&b, "fetched %d, eligible %d, archived %d, reactivated %d, archive total %d\n",
		st.TotalFetched, st.Eligible, st.Archived, st.Reactivated, st.ArchiveTotal)

	sections := []struct {
		title string
		posts []deal.Post
	}{
		{"Published today", d.Published},
		{"Archived", d.Archived},
		{"Back in stock", d.Reactivated},
	}
	for _, sec := range sections {
		if len(sec.posts) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s (%d)\n", sec.title, len(sec.posts))
		for i := range sec.posts {
			p := &sec.posts[i]
			fmt.Fprintf(&b, "- %s", p.Title)
			if p.DiscountTag > 0 {
				fmt.Fprintf(&b, " (-%d%%)", p.DiscountTag)
			}
			if isSafeURL(p.TrackingLink) {
				fmt.Fprintf(&b, " %s", p.TrackingLink)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL allows only absolute http(s) links. Tracking links come from the
// catalog and are not trusted.
func isSafeURL(urlStr string) bool {
	u := strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
