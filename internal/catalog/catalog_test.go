package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertDocumentIdempotent(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	doc := &Document{
		URL:      "https://example.org/a.pdf",
		Source:   "direct_urls",
		Filename: "a.pdf",
		Title:    "Exhibit A",
		Metadata: map[string]any{"tag": "exhibit"},
	}
	id1, err := s.InsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if id1 == 0 {
		t.Fatal("first insert returned id 0")
	}

	// Second insert with the same url must not create a row and must hand
	// back the original id, even when other fields differ.
	id2, err := s.InsertDocument(ctx, &Document{
		URL:    "https://example.org/a.pdf",
		Source: "fbi_vault",
		Title:  "different title",
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate url produced new id: first %d, second %d", id1, id2)
	}

	got, err := s.GetDocument(ctx, id1)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.Source != "direct_urls" || got.Title != "Exhibit A" {
		t.Errorf("existing row was modified: source=%q title=%q", got.Source, got.Title)
	}
	if got.DownloadStatus != StatusPending {
		t.Errorf("new row status = %q, want %q", got.DownloadStatus, StatusPending)
	}

	exists, err := s.URLExists(ctx, doc.URL)
	if err != nil {
		t.Fatalf("url exists: %v", err)
	}
	if !exists {
		t.Error("URLExists = false for inserted url")
	}
	exists, err = s.URLExists(ctx, "https://example.org/other.pdf")
	if err != nil {
		t.Fatalf("url exists: %v", err)
	}
	if exists {
		t.Error("URLExists = true for unknown url")
	}
}

func TestContentPathOnlyMatchesDownloaded(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	const hash = "d6f644b19812e97b5d871658d6d3400ecd4787faeb9b8990c1e7608288664be7"

	failedID, err := s.InsertDocument(ctx, &Document{URL: "https://example.org/1.pdf", Source: "doj"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateDownload(ctx, failedID, StatusFailed, "", hash, 0, "http status 503"); err != nil {
		t.Fatal(err)
	}

	if p, err := s.ContentPath(ctx, hash); err != nil || p != "" {
		t.Fatalf("ContentPath with only a failed row = %q, %v; want empty", p, err)
	}

	okID, err := s.InsertDocument(ctx, &Document{URL: "https://example.org/2.pdf", Source: "doj"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateDownload(ctx, okID, StatusDownloaded, "data/doj/2.pdf", hash, 1024, ""); err != nil {
		t.Fatal(err)
	}

	p, err := s.ContentPath(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if p != "data/doj/2.pdf" {
		t.Errorf("ContentPath = %q, want data/doj/2.pdf", p)
	}

	if p, err := s.ContentPath(ctx, "0000000000000000000000000000000000000000000000000000000000000000"); err != nil || p != "" {
		t.Errorf("ContentPath for unseen hash = %q, %v; want empty", p, err)
	}
}

func TestUpdateDownloadOverwritesOutcome(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	id, err := s.InsertDocument(ctx, &Document{URL: "https://example.org/x.pdf", Source: "fbi_vault"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateDownload(ctx, id, StatusDownloaded, "data/fbi_vault/x.pdf", "abc123", 2048, ""); err != nil {
		t.Fatal(err)
	}

	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.DownloadStatus != StatusDownloaded || doc.LocalPath != "data/fbi_vault/x.pdf" ||
		doc.SHA256 != "abc123" || doc.FileSize != 2048 || doc.Error != "" {
		t.Errorf("after download update: %+v", doc)
	}

	// A later failed attempt replaces the whole outcome, not just the status.
	if err := s.UpdateDownload(ctx, id, StatusFailed, "", "", 0, "connection reset"); err != nil {
		t.Fatal(err)
	}
	doc, err = s.GetDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.DownloadStatus != StatusFailed || doc.LocalPath != "" || doc.SHA256 != "" || doc.Error != "connection reset" {
		t.Errorf("after failed update: %+v", doc)
	}
}

func TestMissingExtractions(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	mkDownloaded := func(url, source string) int64 {
		t.Helper()
		id, err := s.InsertDocument(ctx, &Document{URL: url, Source: source})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateDownload(ctx, id, StatusDownloaded, "data/"+source+"/f.pdf", "h"+url, 10, ""); err != nil {
			t.Fatal(err)
		}
		return id
	}

	bare := mkDownloaded("https://example.org/bare.pdf", "doj")
	done := mkDownloaded("https://example.org/done.pdf", "doj")
	failed := mkDownloaded("https://example.org/failed.pdf", "courtlistener")
	if _, err := s.InsertDocument(ctx, &Document{URL: "https://example.org/pending.pdf", Source: "doj"}); err != nil {
		t.Fatal(err)
	}

	if err := s.InsertExtraction(ctx, &Extraction{
		DocumentID: done, OutputPath: "data/extracted/done.txt", Method: "pdf-native",
		PageCount: 3, CharCount: 900, Status: ExtractionCompleted,
	}); err != nil {
		t.Fatal(err)
	}
	// A failed attempt does not satisfy the document; it stays missing.
	if err := s.InsertExtraction(ctx, &Extraction{
		DocumentID: failed, Method: "error", Status: ExtractionFailed, Error: "pdf parse error",
	}); err != nil {
		t.Fatal(err)
	}

	docs, err := s.MissingExtractions(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	gotIDs := make([]int64, 0, len(docs))
	for _, d := range docs {
		gotIDs = append(gotIDs, d.ID)
	}
	if diff := cmp.Diff([]int64{bare, failed}, gotIDs); diff != "" {
		t.Errorf("missing extractions (-want +got):\n%s", diff)
	}

	docs, err = s.MissingExtractions(ctx, "courtlistener")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != failed {
		t.Errorf("missing extractions for courtlistener: %+v", docs)
	}
}

func TestSourceStateRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	state, err := s.SourceState(ctx, "doj")
	if err != nil {
		t.Fatal(err)
	}
	if len(state) != 0 {
		t.Errorf("state for unknown source = %v, want empty", state)
	}

	want := map[string]any{"ds9_page": float64(12), "phase": "files"}
	if err := s.SaveSourceState(ctx, "doj", want); err != nil {
		t.Fatal(err)
	}
	got, err := s.SourceState(ctx, "doj")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state round trip (-want +got):\n%s", diff)
	}

	// Upsert replaces the blob wholesale.
	want = map[string]any{"ds9_page": float64(13)}
	if err := s.SaveSourceState(ctx, "doj", want); err != nil {
		t.Fatal(err)
	}
	got, err = s.SourceState(ctx, "doj")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state after upsert (-want +got):\n%s", diff)
	}
}

func TestStatsAggregation(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	seed := []struct {
		url, source, status string
		size                int64
	}{
		{"https://example.org/a.pdf", "doj", StatusDownloaded, 100},
		{"https://example.org/b.pdf", "doj", StatusDownloaded, 250},
		{"https://example.org/c.pdf", "doj", StatusFailed, 0},
		{"https://example.org/d.pdf", "fbi_vault", StatusDownloaded, 50},
	}
	ids := map[string]int64{}
	for _, row := range seed {
		id, err := s.InsertDocument(ctx, &Document{URL: row.url, Source: row.source})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateDownload(ctx, id, row.status, "p", "h"+row.url, row.size, ""); err != nil {
			t.Fatal(err)
		}
		ids[row.url] = id
	}

	docStats, err := s.DocumentStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantDocs := []DocumentStat{
		{Source: "doj", Status: StatusDownloaded, Count: 2, TotalBytes: 350},
		{Source: "doj", Status: StatusFailed, Count: 1, TotalBytes: 0},
		{Source: "fbi_vault", Status: StatusDownloaded, Count: 1, TotalBytes: 50},
	}
	if diff := cmp.Diff(wantDocs, docStats); diff != "" {
		t.Errorf("document stats (-want +got):\n%s", diff)
	}

	if err := s.InsertExtraction(ctx, &Extraction{
		DocumentID: ids["https://example.org/a.pdf"], Method: "pdf-native",
		PageCount: 2, CharCount: 300, Status: ExtractionCompleted,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertExtraction(ctx, &Extraction{
		DocumentID: ids["https://example.org/b.pdf"], Method: "pdf-native+ocr",
		PageCount: 5, CharCount: 700, OCRPages: 4, Status: ExtractionCompleted,
	}); err != nil {
		t.Fatal(err)
	}

	extStats, err := s.ExtractionStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantExts := []ExtractionStat{
		{Source: "doj", Status: ExtractionCompleted, Count: 2, TotalChars: 1000, TotalOCRPages: 4},
	}
	if diff := cmp.Diff(wantExts, extStats); diff != "" {
		t.Errorf("extraction stats (-want +got):\n%s", diff)
	}
}
