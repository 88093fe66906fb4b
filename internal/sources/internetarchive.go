package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// InternetArchive combines a list of verified collection identifiers with
// the archive.org scrape API. Every matched item's file listing is expanded
// through the metadata API into direct download URLs.
type InternetArchive struct{}

var (
	iaSearchURL   = "https://archive.org/services/search/v1/scrape"
	iaMetadataURL = "https://archive.org/metadata/"
)

var iaKnownCollections = []string{
	"epstein-documents-943-pages",
	"epstein-documents-943-pages-1",
	"j-epstein-files",
	"final-epstein-documents",
	"jeffrey-epstein-court-documents",
	"epsteindocs",
	"epstein-doj-datasets-9-11-jan2026",
	"Epstein-Data-Sets-So-Far",
}

var iaQueries = []string{
	`subject:"jeffrey epstein" AND mediatype:texts`,
	`subject:"ghislaine maxwell" AND mediatype:texts`,
	`creator:"Department of Justice" AND title:"epstein" AND mediatype:texts`,
}

// iaFileExts are the archive file types worth downloading.
var iaFileExts = []string{".pdf", ".txt", ".doc", ".docx", ".zip"}

type iaScrapePage struct {
	Cursor string `json:"cursor"`
	Items  []struct {
		Identifier string `json:"identifier"`
	} `json:"items"`
}

type iaItemMetadata struct {
	Files []struct {
		Name   string `json:"name"`
		Format string `json:"format"`
	} `json:"files"`
	Metadata struct {
		// Title is a string for most items and a list for some.
		Title any `json:"title"`
	} `json:"metadata"`
}

func (*InternetArchive) Name() string { return "internet_archive" }

func (ia *InternetArchive) Discover(ctx context.Context, env *Env, emit func(Item) error) error {
	seen := make(map[string]bool)

	for _, identifier := range iaKnownCollections {
		if seen[identifier] {
			continue
		}
		seen[identifier] = true
		if err := ia.itemFiles(ctx, env, identifier, emit); err != nil {
			return err
		}
	}

	state, err := env.Store.SourceState(ctx, ia.Name())
	if err != nil {
		return err
	}
	for i, query := range iaQueries {
		cursorKey := fmt.Sprintf("cursor_%d", i)
		cursor, _ := state[cursorKey].(string)
		if err := ia.searchQuery(ctx, env, query, cursor, cursorKey, state, seen, emit); err != nil {
			return err
		}
	}
	return nil
}

func (ia *InternetArchive) searchQuery(ctx context.Context, env *Env, query, cursor, cursorKey string,
	state map[string]any, seen map[string]bool, emit func(Item) error) error {
	params := url.Values{
		"q":      {query},
		"fields": {"identifier,title"},
		"count":  {"100"},
	}

	for {
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var page iaScrapePage
		if err := env.Client.JSON(ctx, iaSearchURL+"?"+params.Encode(), nil, &page); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			slog.Error("scrape api failed", "source", ia.Name(), "query", query, "error", err)
			return nil
		}
		if len(page.Items) == 0 {
			return nil
		}

		for _, item := range page.Items {
			if item.Identifier == "" || seen[item.Identifier] {
				continue
			}
			seen[item.Identifier] = true
			if err := ia.itemFiles(ctx, env, item.Identifier, emit); err != nil {
				return err
			}
		}

		cursor = page.Cursor
		if cursor == "" {
			return nil
		}
		state[cursorKey] = cursor
		if err := env.Store.SaveSourceState(ctx, ia.Name(), state); err != nil {
			return err
		}
	}
}

// itemFiles expands one archive item into download candidates for its
// document files. A failed metadata fetch skips the item.
func (ia *InternetArchive) itemFiles(ctx context.Context, env *Env, identifier string, emit func(Item) error) error {
	var meta iaItemMetadata
	metaURL := iaMetadataURL + url.PathEscape(identifier)
	if err := env.Client.JSON(ctx, metaURL, nil, &meta); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		slog.Warn("item metadata failed", "source", ia.Name(), "identifier", identifier, "error", err)
		return nil
	}

	title := identifier
	switch v := meta.Metadata.Title.(type) {
	case string:
		if v != "" {
			title = v
		}
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok && s != "" {
				title = s
			}
		}
	}

	for _, f := range meta.Files {
		if !iaWantedFile(f.Name) {
			continue
		}
		err := emit(Item{
			URL:      iaFileURL(identifier, f.Name),
			SourceID: identifier + "/" + f.Name,
			Filename: strings.ReplaceAll(identifier+"__"+f.Name, "/", "_"),
			Title:    title + " - " + f.Name,
			Metadata: map[string]any{"ia_identifier": identifier},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func iaWantedFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range iaFileExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// iaFileURL builds a direct download URL, escaping each path segment so
// file names with spaces survive. Archive file names may contain slashes.
func iaFileURL(identifier, name string) string {
	segs := strings.Split(name, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "https://archive.org/download/" + url.PathEscape(identifier) + "/" + strings.Join(segs, "/")
}
