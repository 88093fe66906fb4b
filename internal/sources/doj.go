package sources

import (
	"context"
	"fmt"
	"log/slog"
)

// DOJ walks the justice.gov Epstein Library: twelve paginated data set
// indexes plus a handful of court record pages. Pagination position is
// persisted per data set so an interrupted run resumes where it stopped.
type DOJ struct{}

var dojDataSetURL = "https://www.justice.gov/epstein/doj-disclosures/data-set-%d-files"

// Page counts per data set, discovered empirically. They bound the walk so
// a changed index can never loop forever; an empty page still stops a data
// set early.
var dojDataSetPages = map[int]int{
	1: 62, 2: 11, 3: 1, 4: 3, 5: 2, 6: 1, 7: 1,
	8: 219, 9: 1974, 10: 10027, 11: 2595, 12: 2,
}

var dojCourtPages = []string{
	"https://www.justice.gov/epstein/court-records/giuffre-v-maxwell-no-115-cv-07433-sdny-2015",
	"https://www.justice.gov/usao-sdny/united-states-v-jeffrey-epstein",
	"https://www.justice.gov/usao-sdny/united-states-v-ghislaine-maxwell",
}

func (*DOJ) Name() string { return "doj" }

func (d *DOJ) Discover(ctx context.Context, env *Env, emit func(Item) error) error {
	state, err := env.Store.SourceState(ctx, d.Name())
	if err != nil {
		return err
	}

	for ds := 1; ds <= 12; ds++ {
		maxPage := dojDataSetPages[ds]
		if maxPage == 0 {
			maxPage = 1
		}
		stateKey := fmt.Sprintf("ds%d_page", ds)
		startPage := stateInt(state, stateKey)

		slog.Info("walking data set", "source", d.Name(),
			"data_set", ds, "start_page", startPage, "max_page", maxPage)

		for page := startPage; page <= maxPage; page++ {
			pageURL := fmt.Sprintf(dojDataSetURL, ds)
			if page > 0 {
				pageURL = fmt.Sprintf("%s?page=%d", pageURL, page)
			}

			html, err := env.Client.Text(ctx, pageURL)
			if err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				// One bad page must not lose the rest of the data set.
				slog.Error("data set page failed", "source", d.Name(),
					"data_set", ds, "page", page, "error", err)
			} else {
				links := pdfLinks(html, pageURL)
				for _, link := range links {
					if err := emit(d.item(link, ds)); err != nil {
						return err
					}
				}
				if len(links) == 0 && page > 0 {
					// Walked past the end of the index.
					slog.Info("data set exhausted", "source", d.Name(),
						"data_set", ds, "page", page)
					state[stateKey] = page
					if err := env.Store.SaveSourceState(ctx, d.Name(), state); err != nil {
						return err
					}
					break
				}
			}

			state[stateKey] = page
			if err := env.Store.SaveSourceState(ctx, d.Name(), state); err != nil {
				return err
			}
		}
	}

	for _, pageURL := range dojCourtPages {
		html, err := env.Client.Text(ctx, pageURL)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			slog.Error("court page failed", "source", d.Name(), "url", pageURL, "error", err)
			continue
		}
		for _, link := range pdfLinks(html, pageURL) {
			if err := emit(d.item(link, 0)); err != nil {
				return err
			}
		}
	}
	return nil
}

// item decorates a page link with data set context. Data set 0 marks the
// court record pages.
func (d *DOJ) item(link pageLink, ds int) Item {
	if ds == 0 {
		return Item{
			URL:      link.URL,
			SourceID: "court-" + link.Filename,
			Filename: link.Filename,
			Title:    "DOJ Court: " + link.Filename,
			Metadata: map[string]any{"dataset": 0},
		}
	}
	return Item{
		URL:      link.URL,
		SourceID: fmt.Sprintf("ds%d-%s", ds, link.Filename),
		Filename: link.Filename,
		Title:    fmt.Sprintf("DOJ DataSet %d: %s", ds, link.Filename),
		Metadata: map[string]any{"dataset": ds},
	}
}

// stateInt reads an integer out of a source state blob. JSON round-trips
// numbers as float64.
func stateInt(state map[string]any, key string) int {
	switch v := state[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
