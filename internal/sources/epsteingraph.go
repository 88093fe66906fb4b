package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/epsteingraph/harvestctl/internal/catalog"
)

// EpsteinGraph scrapes the processed document database behind
// epsteingraph.com through its public REST API: people profiles, document
// metadata, connection graphs and timelines, saved as JSON trees.
//
// The /api/people/top endpoint caps out at 200 results and ignores offsets,
// so full coverage needs a breadth-first snowball crawl: seed from the top
// lists, roles and graph nodes, then follow each person's connections
// through /api/person-lookup until no new slugs appear.
type EpsteinGraph struct{}

const (
	egName        = "epsteingraph"
	egDocsPerPage = 100
	egSaveEvery   = 25
)

var egAPIBase = "https://api.epsteingraph.com"

var egKnownRoles = []string{
	"academic", "actor", "artist", "author", "business", "diplomat",
	"financier", "government", "judge", "lawyer", "media", "model",
	"musician", "other public figure", "philanthropist", "politician",
	"royalty", "scientist", "socialite",
}

func (*EpsteinGraph) Name() string { return egName }

// Discover emits nothing; Run replaces the whole pipeline.
func (*EpsteinGraph) Discover(ctx context.Context, env *Env, emit func(Item) error) error {
	return nil
}

// Run performs the snowball crawl. Crawl position (completed slugs, failed
// slugs, resolved names) persists in source state, so an interrupted crawl
// resumes without re-scraping.
func (e *EpsteinGraph) Run(ctx context.Context, env *Env) (Counters, error) {
	var c Counters

	outDir := filepath.Join(env.DataDir, egName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return c, errors.Wrap(err, "create output directory")
	}

	state, err := env.Store.SourceState(ctx, egName)
	if err != nil {
		return c, err
	}
	crawl := &graphCrawl{
		env:       env,
		outDir:    outDir,
		state:     state,
		completed: stateSet(state, "completed_slugs"),
		failed:    stateSet(state, "failed_slugs"),
		lookedUp:  stateSet(state, "looked_up_names"),
	}

	slog.Info("starting graph scrape", "source", egName)
	crawl.fetchSiteMetadata(ctx)

	known := make(map[string]bool, len(crawl.completed))
	for slug := range crawl.completed {
		known[slug] = true
	}
	var queue []string
	seeds := crawl.seedPeople(ctx)
	for _, slug := range seeds {
		if !known[slug] {
			queue = append(queue, slug)
			known[slug] = true
		}
	}
	slog.Info("seeded crawl", "source", egName,
		"seeds", len(seeds), "done", len(crawl.completed), "queued", len(queue))

	crawl.fetchGraph(ctx)

	scraped := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			// Best effort save so the next run resumes here.
			_ = crawl.saveState(context.WithoutCancel(ctx))
			return c, err
		}

		slug := queue[0]
		queue = queue[1:]
		if crawl.completed[slug] {
			continue
		}

		slog.Info("scraping person", "source", egName,
			"slug", slug, "queue", len(queue), "known", len(known))

		names, ok, err := crawl.fetchPerson(ctx, slug, &c)
		if err != nil {
			_ = crawl.saveState(context.WithoutCancel(ctx))
			return c, err
		}
		if !ok {
			crawl.failed[slug] = true
			continue
		}
		crawl.completed[slug] = true
		scraped++

		// Resolve fresh connection names to slugs and grow the frontier.
		for _, name := range names {
			if crawl.lookedUp[name] {
				continue
			}
			crawl.lookedUp[name] = true
			resolved := crawl.lookupPerson(ctx, name)
			if resolved != "" && !known[resolved] {
				queue = append(queue, resolved)
				known[resolved] = true
			}
		}

		if scraped%egSaveEvery == 0 {
			if err := crawl.saveState(ctx); err != nil {
				return c, err
			}
			slog.Info("crawl progress", "source", egName,
				"done", len(crawl.completed), "queued", len(queue), "known", len(known))
		}
	}

	crawl.state["completed"] = true
	if err := crawl.saveState(ctx); err != nil {
		return c, err
	}
	slog.Info("source done", "source", egName,
		"scraped", len(crawl.completed), "failed_slugs", len(crawl.failed), "known", len(known),
		"discovered", c.Discovered, "downloaded", c.Downloaded,
		"skipped", c.Skipped, "failed", c.Failed)
	return c, nil
}

// graphCrawl carries the working sets of one snowball crawl.
type graphCrawl struct {
	env       *Env
	outDir    string
	state     map[string]any
	completed map[string]bool
	failed    map[string]bool
	lookedUp  map[string]bool
}

func (g *graphCrawl) apiGet(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	u := egAPIBase + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var out map[string]any
	if err := g.env.Client.JSON(ctx, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *graphCrawl) saveJSON(v any, parts ...string) error {
	dest := filepath.Join(append([]string{g.outDir}, parts...)...)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func (g *graphCrawl) saveState(ctx context.Context) error {
	g.state["completed_slugs"] = setToList(g.completed)
	g.state["failed_slugs"] = setToList(g.failed)
	g.state["looked_up_names"] = setToList(g.lookedUp)
	return g.env.Store.SaveSourceState(ctx, egName, g.state)
}

func (g *graphCrawl) fetchSiteMetadata(ctx context.Context) {
	slog.Info("fetching site metadata", "source", egName)
	for _, ep := range []struct{ path, file string }{
		{"/api/stats", "stats.json"},
		{"/api/trending", "trending.json"},
		{"/api/person-redirects", "person_redirects.json"},
	} {
		data, err := g.apiGet(ctx, ep.path, nil)
		if err != nil {
			slog.Error("metadata endpoint failed", "source", egName, "endpoint", ep.path, "error", err)
			continue
		}
		if err := g.saveJSON(data, ep.file); err != nil {
			slog.Error("metadata save failed", "source", egName, "file", ep.file, "error", err)
		}
	}
}

// seedPeople gathers as many slugs as the list endpoints expose: top people
// overall, per role, public figures, graph nodes and resolved redirects.
// The merged list is saved to all_people.json and returned ordered by
// mention count.
func (g *graphCrawl) seedPeople(ctx context.Context) []string {
	seen := make(map[string]map[string]any)

	g.collectTopPeople(ctx, seen, nil)
	for _, role := range egKnownRoles {
		g.collectTopPeople(ctx, seen, url.Values{"role": {role}})
	}
	g.collectTopPeople(ctx, seen, url.Values{"public_figures": {"true"}})

	for _, minShared := range []int{1, 10, 100} {
		data, err := g.apiGet(ctx, "/api/graph", url.Values{
			"limit":      {"200"},
			"min_shared": {strconv.Itoa(minShared)},
		})
		if err != nil {
			slog.Error("graph seed failed", "source", egName, "min_shared", minShared, "error", err)
			continue
		}
		for _, n := range anySlice(data["nodes"]) {
			node, ok := n.(map[string]any)
			if !ok {
				continue
			}
			slug, _ := node["slug"].(string)
			if slug == "" || seen[slug] != nil {
				continue
			}
			name, _ := node["name"].(string)
			if name == "" {
				name = slug
			}
			seen[slug] = map[string]any{
				"slug":     slug,
				"name":     name,
				"mentions": node["mentions"],
				"count":    node["documents"],
			}
		}
	}

	if data, err := g.apiGet(ctx, "/api/person-redirects", nil); err != nil {
		slog.Error("redirect seed failed", "source", egName, "error", err)
	} else {
		for _, r := range anySlice(data["redirects"]) {
			name, ok := r.(string)
			if !ok || name == "" {
				continue
			}
			resolved := g.lookupPerson(ctx, name)
			if resolved != "" && seen[resolved] == nil {
				seen[resolved] = map[string]any{"slug": resolved, "name": name}
			}
		}
	}

	people := make([]map[string]any, 0, len(seen))
	for _, p := range seen {
		people = append(people, p)
	}
	sort.Slice(people, func(i, j int) bool {
		mi, mj := numOr0(people[i]["mentions"]), numOr0(people[j]["mentions"])
		if mi != mj {
			return mi > mj
		}
		si, _ := people[i]["slug"].(string)
		sj, _ := people[j]["slug"].(string)
		return si < sj
	})
	if err := g.saveJSON(map[string]any{"total": len(people), "people": people}, "all_people.json"); err != nil {
		slog.Error("seed list save failed", "source", egName, "error", err)
	}

	slugs := make([]string, 0, len(people))
	for _, p := range people {
		if slug, _ := p["slug"].(string); slug != "" {
			slugs = append(slugs, slug)
		}
	}
	return slugs
}

func (g *graphCrawl) collectTopPeople(ctx context.Context, seen map[string]map[string]any, extra url.Values) {
	params := url.Values{"limit": {"200"}, "order_by": {"mentions"}}
	for k, vs := range extra {
		for _, v := range vs {
			params.Set(k, v)
		}
	}
	data, err := g.apiGet(ctx, "/api/people/top", params)
	if err != nil {
		slog.Error("people top failed", "source", egName, "params", params.Encode(), "error", err)
		return
	}
	for _, p := range anySlice(data["people"]) {
		person, ok := p.(map[string]any)
		if !ok {
			continue
		}
		slug, _ := person["slug"].(string)
		if slug != "" && seen[slug] == nil {
			seen[slug] = person
		}
	}
}

// lookupPerson resolves a person name to a slug, or "" when unknown.
func (g *graphCrawl) lookupPerson(ctx context.Context, name string) string {
	data, err := g.apiGet(ctx, "/api/person-lookup", url.Values{"q": {name}})
	if err != nil {
		return ""
	}
	if match, _ := data["match"].(bool); !match {
		return ""
	}
	slug, _ := data["slug"].(string)
	return slug
}

func (g *graphCrawl) fetchGraph(ctx context.Context) {
	slog.Info("fetching connection graph", "source", egName)
	for _, minShared := range []int{1, 10, 100, 1000} {
		data, err := g.apiGet(ctx, "/api/graph", url.Values{
			"limit":      {"200"},
			"min_shared": {strconv.Itoa(minShared)},
		})
		if err != nil {
			slog.Error("graph fetch failed", "source", egName, "min_shared", minShared, "error", err)
			continue
		}
		file := fmt.Sprintf("graph_min%d.json", minShared)
		if err := g.saveJSON(data, "graph", file); err != nil {
			slog.Error("graph save failed", "source", egName, "file", file, "error", err)
			continue
		}
		slog.Info("graph saved", "source", egName, "min_shared", minShared,
			"nodes", len(anySlice(data["nodes"])), "edges", len(anySlice(data["edges"])))
	}
}

// fetchPerson scrapes one person: profile, paginated documents, timeline,
// and a catalog registration for the saved profile. It returns the
// connection names found, for snowball discovery. ok reports whether the
// person succeeded; a non-nil error aborts the whole crawl.
func (g *graphCrawl) fetchPerson(ctx context.Context, slug string, c *Counters) ([]string, bool, error) {
	personDir := filepath.Join(g.outDir, "people", slug)

	data, apiErr := g.apiGet(ctx, "/api/people/"+slug, url.Values{
		"limit":  {strconv.Itoa(egDocsPerPage)},
		"offset": {"0"},
		"sort":   {"doc_id"},
	})
	if apiErr != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, false, cerr
		}
		slog.Error("person fetch failed", "source", egName, "slug", slug, "error", apiErr)
		return nil, false, nil
	}

	totalDocs := intOr0(data["total_documents"])
	allDocs := append([]any{}, anySlice(data["documents"])...)

	nameSet := make(map[string]bool)
	for _, conn := range anySlice(data["connections"]) {
		m, ok := conn.(map[string]any)
		if !ok {
			continue
		}
		if n, _ := m["connected_person"].(string); n != "" {
			nameSet[n] = true
		}
	}

	// Profile without the documents array, which lands in its own file.
	profile := make(map[string]any, len(data))
	for k, v := range data {
		if k != "documents" {
			profile[k] = v
		}
	}
	if err := g.saveJSON(profile, "people", slug, "profile.json"); err != nil {
		slog.Error("profile save failed", "source", egName, "slug", slug, "error", err)
		return nil, false, nil
	}

	for offset := egDocsPerPage; offset < totalDocs; offset += egDocsPerPage {
		pageData, pageErr := g.apiGet(ctx, "/api/people/"+slug, url.Values{
			"limit":  {strconv.Itoa(egDocsPerPage)},
			"offset": {strconv.Itoa(offset)},
			"sort":   {"doc_id"},
		})
		if pageErr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, false, cerr
			}
			slog.Error("document page failed", "source", egName,
				"slug", slug, "offset", offset, "error", pageErr)
			break
		}
		docs := anySlice(pageData["documents"])
		if len(docs) == 0 {
			break
		}
		allDocs = append(allDocs, docs...)
	}

	if err := g.saveJSON(map[string]any{
		"slug":            slug,
		"total_documents": totalDocs,
		"fetched":         len(allDocs),
		"documents":       allDocs,
	}, "people", slug, "documents.json"); err != nil {
		slog.Error("documents save failed", "source", egName, "slug", slug, "error", err)
	}
	slog.Info("person scraped", "source", egName, "slug", slug,
		"documents", len(allDocs), "total", totalDocs, "connections", len(nameSet))

	if timeline, tErr := g.apiGet(ctx, "/api/people/"+slug+"/timeline", nil); tErr != nil {
		slog.Error("timeline failed", "source", egName, "slug", slug, "error", tErr)
	} else if err := g.saveJSON(timeline, "people", slug, "timeline.json"); err != nil {
		slog.Error("timeline save failed", "source", egName, "slug", slug, "error", err)
	}

	// Register the saved profile in the catalog so stats and URL dedup
	// cover this source too.
	apiURL := egAPIBase + "/api/people/" + slug
	c.Discovered++
	exists, err := g.env.Store.URLExists(ctx, apiURL)
	if err != nil {
		return nil, false, err
	}
	if exists {
		c.Skipped++
	} else {
		person, _ := data["person"].(map[string]any)
		title := slug
		if cn, _ := person["canonical_name"].(string); cn != "" {
			title = cn
		}
		personStats, _ := data["person_stats"].(map[string]any)

		docID, err := g.env.Store.InsertDocument(ctx, &catalog.Document{
			URL:      apiURL,
			Source:   egName,
			SourceID: slug,
			Filename: slug + ".json",
			Title:    title,
			Metadata: map[string]any{
				"total_documents":   totalDocs,
				"fetched_documents": len(allDocs),
				"person":            person,
				"person_stats":      personStats,
			},
		})
		if err != nil {
			return nil, false, err
		}

		profilePath := filepath.Join(personDir, "profile.json")
		sha, size, hashErr := hashFile(profilePath)
		if hashErr != nil {
			slog.Warn("profile hash failed", "source", egName, "slug", slug, "error", hashErr)
			sha, size = "", 0
		}
		if err := g.env.Store.UpdateDownload(ctx, docID, catalog.StatusDownloaded, profilePath, sha, size, ""); err != nil {
			return nil, false, err
		}
		c.Downloaded++
	}

	names := make([]string, 0, len(nameSet))
	for n := range nameSet {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, true, nil
}

func anySlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func intOr0(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func numOr0(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func stateSet(state map[string]any, key string) map[string]bool {
	set := make(map[string]bool)
	for _, v := range anySlice(state[key]) {
		if s, ok := v.(string); ok {
			set[s] = true
		}
	}
	return set
}

func setToList(set map[string]bool) []string {
	list := make([]string, 0, len(set))
	for s := range set {
		list = append(list, s)
	}
	sort.Strings(list)
	return list
}
