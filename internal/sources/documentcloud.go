package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
)

// DocumentCloud searches the public DocumentCloud API and follows its
// cursor-based pagination. Asset URLs are derived from document id and
// slug.
type DocumentCloud struct{}

var dcSearchURL = "https://api.www.documentcloud.org/api/documents/search/"

var dcQueries = []string{
	"jeffrey epstein",
	"ghislaine maxwell",
	"epstein flight logs",
	"epstein grand jury",
}

type dcSearchPage struct {
	Next    string `json:"next"`
	Results []struct {
		ID        json.Number `json:"id"`
		Slug      string      `json:"slug"`
		Title     string      `json:"title"`
		PageCount int         `json:"page_count"`
	} `json:"results"`
}

func (*DocumentCloud) Name() string { return "documentcloud" }

func (d *DocumentCloud) Discover(ctx context.Context, env *Env, emit func(Item) error) error {
	seen := make(map[string]bool)
	for _, query := range dcQueries {
		if err := d.search(ctx, env, query, seen, emit); err != nil {
			return err
		}
	}
	return nil
}

func (d *DocumentCloud) search(ctx context.Context, env *Env, query string, seen map[string]bool, emit func(Item) error) error {
	pageURL := dcSearchURL + "?" + url.Values{
		"q":        {query},
		"per_page": {"100"},
	}.Encode()

	for pageURL != "" {
		var page dcSearchPage
		if err := env.Client.JSON(ctx, pageURL, nil, &page); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			slog.Error("search page failed", "source", d.Name(), "query", query, "error", err)
			return nil
		}
		if len(page.Results) == 0 {
			return nil
		}

		for _, doc := range page.Results {
			id := doc.ID.String()
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true

			slug := doc.Slug
			if slug == "" {
				slug = "document"
			}
			title := doc.Title
			if title == "" {
				title = "DocumentCloud " + id
			}

			err := emit(Item{
				URL:      fmt.Sprintf("https://assets.documentcloud.org/documents/%s/%s.pdf", id, slug),
				SourceID: id,
				Filename: fmt.Sprintf("%s-%s.pdf", id, slug),
				Title:    title,
				Metadata: map[string]any{"dc_id": id, "pages": doc.PageCount},
			})
			if err != nil {
				return err
			}
		}

		pageURL = page.Next
		if pageURL != "" {
			err := env.Store.SaveSourceState(ctx, d.Name(), map[string]any{
				"next_url": pageURL,
				"query":    query,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
