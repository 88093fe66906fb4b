package sources

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// pageLink is one document link extracted from an HTML page.
type pageLink struct {
	URL      string
	Filename string
}

// pdfLinks returns the absolute URLs of all .pdf anchors in an HTML page,
// deduplicated in document order. Filenames come from the decoded final
// path segment.
func pdfLinks(html, baseURL string) []pageLink {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []pageLink
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if !strings.HasSuffix(strings.ToLower(href), ".pdf") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		abs := resolved.String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, pageLink{
			URL:      abs,
			Filename: path.Base(resolved.Path),
		})
	})
	return links
}
