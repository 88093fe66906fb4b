package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// CourtListener pulls RECAP documents from known Epstein and Maxwell
// dockets via the CourtListener REST API, then widens through docket
// search. The API needs a free account token; without one the source skips
// itself.
type CourtListener struct {
	APIToken string
}

var clAPIBase = "https://www.courtlistener.com/api/rest/v4"

// Docket ids for the key cases: Giuffre v. Maxwell (SDNY 1:15-cv-07433),
// United States v. Maxwell (SDNY 1:20-cr-00330), United States v. Epstein
// (SDFL 9:08-cr-80736) and Doe v. Epstein.
var clDocketIDs = []string{
	"4154484",
	"17318376",
	"6302530",
	"67534580",
}

var clSearchQueries = []string{
	"jeffrey epstein",
	"ghislaine maxwell trafficking",
}

type clEntriesPage struct {
	Next    string `json:"next"`
	Results []struct {
		EntryNumber    json.Number `json:"entry_number"`
		RecapDocuments []struct {
			ID            json.Number `json:"id"`
			FilepathIA    string      `json:"filepath_ia"`
			FilepathLocal string      `json:"filepath_local"`
			Description   string      `json:"description"`
		} `json:"recap_documents"`
	} `json:"results"`
}

type clSearchPage struct {
	Results []struct {
		DocketID json.Number `json:"docket_id"`
	} `json:"results"`
}

func (*CourtListener) Name() string { return "courtlistener" }

func (c *CourtListener) Discover(ctx context.Context, env *Env, emit func(Item) error) error {
	if c.APIToken == "" {
		slog.Warn("no api token configured, skipping source",
			"source", c.Name(), "signup", "https://www.courtlistener.com/sign-in/")
		return nil
	}

	header := http.Header{"Authorization": {"Token " + c.APIToken}}
	seen := make(map[string]bool)

	for _, docketID := range clDocketIDs {
		if err := c.docketEntries(ctx, env, docketID, header, seen, emit); err != nil {
			return err
		}
	}
	for _, query := range clSearchQueries {
		if err := c.searchDockets(ctx, env, query, header, seen, emit); err != nil {
			return err
		}
	}
	return nil
}

// docketEntries walks one docket's entry pages and emits every RECAP
// document that has a stored file.
func (c *CourtListener) docketEntries(ctx context.Context, env *Env, docketID string,
	header http.Header, seen map[string]bool, emit func(Item) error) error {
	pageURL := clAPIBase + "/docket-entries/?" + url.Values{
		"docket":    {docketID},
		"page_size": {"100"},
	}.Encode()

	for pageURL != "" {
		var page clEntriesPage
		if err := env.Client.JSON(ctx, pageURL, header, &page); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			slog.Error("docket page failed", "source", c.Name(), "docket", docketID, "error", err)
			return nil
		}

		for _, entry := range page.Results {
			for _, rd := range entry.RecapDocuments {
				id := rd.ID.String()
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true

				filepath := rd.FilepathIA
				if filepath == "" {
					filepath = rd.FilepathLocal
				}
				if filepath == "" {
					continue
				}
				pdfURL := filepath
				if !strings.HasPrefix(filepath, "http") {
					pdfURL = "https://storage.courtlistener.com/" + filepath
				}

				title := rd.Description
				if title == "" {
					title = strings.TrimSpace("Entry " + entry.EntryNumber.String())
				}

				meta := map[string]any{"docket_id": docketID}
				if n := entry.EntryNumber.String(); n != "" {
					meta["entry_number"] = n
				}

				err := emit(Item{
					URL:      pdfURL,
					SourceID: id,
					Filename: fmt.Sprintf("cl-%s-%s.pdf", docketID, id),
					Title:    title,
					Metadata: meta,
				})
				if err != nil {
					return err
				}
			}
		}
		pageURL = page.Next
	}
	return nil
}

// searchDockets finds additional dockets matching a query and walks each.
func (c *CourtListener) searchDockets(ctx context.Context, env *Env, query string,
	header http.Header, seen map[string]bool, emit func(Item) error) error {
	searchURL := clAPIBase + "/search/?" + url.Values{
		"q":         {query},
		"type":      {"r"},
		"page_size": {"20"},
	}.Encode()

	var page clSearchPage
	if err := env.Client.JSON(ctx, searchURL, header, &page); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		slog.Error("docket search failed", "source", c.Name(), "query", query, "error", err)
		return nil
	}

	for _, result := range page.Results {
		docketID := result.DocketID.String()
		if docketID == "" {
			continue
		}
		if err := c.docketEntries(ctx, env, docketID, header, seen, emit); err != nil {
			return err
		}
	}
	return nil
}
