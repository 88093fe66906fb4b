package harvest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/epsteingraph/harvestctl/internal/catalog"
	"github.com/epsteingraph/harvestctl/internal/sources"
)

// newTestConfig returns a config rooted in a throwaway directory, with an
// unthrottled single-attempt client and inline extraction off.
func newTestConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()

	c := NewConfig()
	c.DataDir = filepath.Join(dir, "data")
	c.DBPath = filepath.Join(dir, "harvest.db")
	c.LogDir = filepath.Join(dir, "logs")
	c.Download.MaxRetries = 1
	c.Download.DefaultRateLimit = 0

	off := false
	c.Extraction.Enabled = &off
	return c
}

type stubSource struct {
	name  string
	items []sources.Item
	err   error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Discover(_ context.Context, _ *sources.Env, emit func(sources.Item) error) error {
	for _, it := range s.items {
		if err := emit(it); err != nil {
			return err
		}
	}
	return s.err
}

func TestResolveSources(t *testing.T) {
	t.Parallel()

	config := NewConfig()

	srcs, err := resolveSources(config, nil)
	if err != nil {
		t.Fatalf("resolve all: %v", err)
	}
	var names []string
	for _, src := range srcs {
		names = append(names, src.Name())
	}
	if diff := cmp.Diff(sources.Names(), names); diff != "" {
		t.Errorf("default source order mismatch (-want +got):\n%s", diff)
	}

	srcs, err = resolveSources(config, []string{"fbi_vault", "doj"})
	if err != nil {
		t.Fatalf("resolve subset: %v", err)
	}
	if len(srcs) != 2 || srcs[0].Name() != "fbi_vault" || srcs[1].Name() != "doj" {
		t.Errorf("subset not resolved in request order: %v", srcs)
	}

	if _, err := resolveSources(config, []string{"doj", "nope"}); err == nil {
		t.Error("unknown source name should fail before any work")
	}
}

func TestRunSources(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "payload for "+r.URL.Path)
	}))
	defer srv.Close()

	config := newTestConfig(t)
	off := false
	config.Sources = map[string]*SourceConfig{
		"idle": {Enabled: &off},
	}

	store, err := catalog.Open(config.DBPath)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer store.Close()

	active := &stubSource{name: "active", items: []sources.Item{
		{URL: srv.URL + "/one.txt"},
		{URL: srv.URL + "/two.txt"},
	}}
	idle := &stubSource{name: "idle", items: []sources.Item{
		{URL: srv.URL + "/never.txt"},
	}}

	total, err := runSources(context.Background(), config, store, []sources.Source{active, idle})
	if err != nil {
		t.Fatalf("runSources: %v", err)
	}
	want := sources.Counters{Discovered: 2, Downloaded: 2}
	if diff := cmp.Diff(want, total); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2 (disabled source must not fetch)", got)
	}

	// Each source downloads into its own directory.
	if _, err := os.Stat(filepath.Join(config.DataDir, "active", "one.txt")); err != nil {
		t.Errorf("downloaded file missing: %v", err)
	}
}

func TestRunSourcesAbortsOnSourceError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "body")
	}))
	defer srv.Close()

	config := newTestConfig(t)
	store, err := catalog.Open(config.DBPath)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer store.Close()

	broken := &stubSource{name: "broken", err: fmt.Errorf("listing page vanished")}
	after := &stubSource{name: "after", items: []sources.Item{{URL: srv.URL + "/x.txt"}}}

	total, err := runSources(context.Background(), config, store, []sources.Source{broken, after})
	if err == nil {
		t.Fatal("expected error from broken source")
	}
	if !strings.Contains(err.Error(), "source broken") {
		t.Errorf("error does not name the failing source: %v", err)
	}
	if total.Downloaded != 0 {
		t.Errorf("sources after the failure should not run, downloaded = %d", total.Downloaded)
	}
}

func TestRunAllSourcesDisabled(t *testing.T) {
	t.Parallel()

	config := newTestConfig(t)
	off := false
	config.Sources = map[string]*SourceConfig{}
	for _, name := range sources.Names() {
		config.Sources[name] = &SourceConfig{Enabled: &off}
	}

	if err := Run(context.Background(), config, nil); err != nil {
		t.Fatalf("run with all sources disabled: %v", err)
	}

	// The catalog exists and the run lock is released.
	if _, err := os.Stat(config.DBPath); err != nil {
		t.Errorf("catalog file missing after run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(config.DataDir, lockFilename)); !os.IsNotExist(err) {
		t.Error("lock file should be removed after run completes")
	}
}

func TestRunUnknownSource(t *testing.T) {
	t.Parallel()

	config := newTestConfig(t)
	if err := Run(context.Background(), config, []string{"nope"}); err == nil {
		t.Fatal("expected error for unknown source")
	}
	// The bad name is rejected before anything is created.
	if _, err := os.Stat(config.DataDir); !os.IsNotExist(err) {
		t.Error("data dir should not be created for a rejected run")
	}
}

func TestRunLockContention(t *testing.T) {
	t.Parallel()

	config := newTestConfig(t)
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		t.Fatal(err)
	}

	lockFile, err := os.OpenFile(filepath.Join(config.DataDir, lockFilename), os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer lockFile.Close()
	fl := Flock{lockFile}
	if err := fl.Lock(); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer func() { _ = fl.Unlock() }()

	err = Run(context.Background(), config, []string{"direct_urls"})
	if err == nil {
		t.Error("run should fail while another process holds the lock")
	}
}

func TestExtractOnly(t *testing.T) {
	t.Parallel()

	config := newTestConfig(t)
	dir := t.TempDir()

	goodPDF := filepath.Join(dir, "good.pdf")
	if err := os.WriteFile(goodPDF, buildTextPDF("Deposition transcript page one"), 0o644); err != nil {
		t.Fatal(err)
	}
	brokenPDF := filepath.Join(dir, "broken.pdf")
	if err := os.WriteFile(brokenPDF, []byte("this is not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	notes := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notes, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := catalog.Open(config.DBPath)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	ctx := context.Background()
	addDownloaded := func(url, localPath string) int64 {
		t.Helper()
		id, err := store.InsertDocument(ctx, &catalog.Document{URL: url, Source: "doj"})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.UpdateDownload(ctx, id, catalog.StatusDownloaded, localPath, "", 10, ""); err != nil {
			t.Fatal(err)
		}
		return id
	}

	goodID := addDownloaded("https://example.com/good.pdf", goodPDF)
	addDownloaded("https://example.com/broken.pdf", brokenPDF)
	addDownloaded("https://example.com/gone.pdf", filepath.Join(dir, "gone.pdf"))
	addDownloaded("https://example.com/notes.txt", notes)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	if err := ExtractOnly(ctx, config, ""); err != nil {
		t.Fatalf("extract only: %v", err)
	}

	store, err = catalog.Open(config.DBPath)
	if err != nil {
		t.Fatalf("reopen catalog: %v", err)
	}
	defer store.Close()

	stats, err := store.ExtractionStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byStatus := make(map[string]int64)
	for _, st := range stats {
		byStatus[st.Status] = st.Count
	}
	want := map[string]int64{
		catalog.ExtractionCompleted: 1,
		catalog.ExtractionFailed:    1,
	}
	if diff := cmp.Diff(want, byStatus); diff != "" {
		t.Errorf("extraction statuses mismatch (-want +got):\n%s", diff)
	}

	// The completed extraction wrote its text file under the data dir.
	outPath := filepath.Join(config.DataDir, "extracted_text", "doj", "good.txt")
	if _, err := os.Stat(outPath); err != nil {
		t.Errorf("extracted text missing: %v", err)
	}

	// Only the broken PDF remains extractable-but-unextracted; the missing
	// and non-PDF documents are out of scope for this pass.
	missing, err := store.MissingExtractions(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, doc := range missing {
		if doc.ID == goodID {
			t.Error("completed document still reported as missing extraction")
		}
	}
}

func TestExtractOnlySourceFilter(t *testing.T) {
	t.Parallel()

	config := newTestConfig(t)
	dir := t.TempDir()

	pdf := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(pdf, buildTextPDF("Flight log excerpt"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := catalog.Open(config.DBPath)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	ctx := context.Background()
	id, err := store.InsertDocument(ctx, &catalog.Document{URL: "https://example.com/doc.pdf", Source: "fbi_vault"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateDownload(ctx, id, catalog.StatusDownloaded, pdf, "", 10, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Restricted to another source: nothing to do.
	if err := ExtractOnly(ctx, config, "doj"); err != nil {
		t.Fatalf("extract only (doj): %v", err)
	}

	store, err = catalog.Open(config.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	stats, err := store.ExtractionStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 0 {
		t.Errorf("extraction rows written outside the requested source: %v", stats)
	}
}

// buildTextPDF assembles a minimal valid PDF with one uncompressed text page
// per argument.
func buildTextPDF(pages ...string) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	n := len(pages)
	fontObj := 3 + 2*n
	size := fontObj + 1
	offsets := make([]int, size)

	kids := make([]string, n)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = b.Len()
	fmt.Fprintf(&b, "2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n",
		strings.Join(kids, " "), n)

	for i, text := range pages {
		escaped := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(text)
		stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + escaped + ") Tj\nET"

		pageObj := 3 + 2*i
		contentObj := pageObj + 1

		offsets[pageObj] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents %d 0 R /Resources << /Font << /F1 %d 0 R >> >> >>\nendobj\n",
			pageObj, contentObj, fontObj)

		offsets[contentObj] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n",
			contentObj, len(stream), stream)
	}

	offsets[fontObj] = b.Len()
	fmt.Fprintf(&b, "%d 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n", fontObj)

	xrefOffset := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", size)
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i < size; i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", size, xrefOffset)

	return []byte(b.String())
}
