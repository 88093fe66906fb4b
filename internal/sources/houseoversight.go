package sources

import (
	"context"
	"log/slog"
)

// HouseOversight scrapes the Oversight Committee's Epstein release pages
// for linked documents.
type HouseOversight struct{}

var houseOversightPages = []string{
	"https://oversight.house.gov/release/oversight-committee-releases-epstein-records-provided-by-the-department-of-justice/",
	"https://oversight.house.gov/release/oversight-committee-releases-additional-epstein-estate-documents/",
	"https://oversight.house.gov/release/oversight-committee-releases-records-provided-by-the-epstein-estate-chairman-comer-provides-statement/",
}

func (*HouseOversight) Name() string { return "house_oversight" }

func (h *HouseOversight) Discover(ctx context.Context, env *Env, emit func(Item) error) error {
	for _, pageURL := range houseOversightPages {
		html, err := env.Client.Text(ctx, pageURL)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			slog.Error("release page failed", "source", h.Name(), "url", pageURL, "error", err)
			continue
		}

		for _, link := range pdfLinks(html, pageURL) {
			err := emit(Item{
				URL:      link.URL,
				SourceID: "house-" + link.Filename,
				Filename: link.Filename,
				Title:    "House Oversight: " + link.Filename,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
