// Package sources implements the document source adapters. Each adapter
// discovers candidate documents for one archive or API; the shared run loop
// handles cataloging, downloading, dedup and extraction so adapters stay
// small.
package sources

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/epsteingraph/harvestctl/internal/catalog"
	"github.com/epsteingraph/harvestctl/internal/extract"
	"github.com/epsteingraph/harvestctl/internal/fetch"
)

// Item is one discovered document candidate. URL is the only required
// field; a missing filename is derived from the URL and a missing title
// falls back to the filename.
type Item struct {
	URL      string
	SourceID string
	Filename string
	Title    string
	Metadata map[string]any
}

// Env is everything an adapter may touch during a run. The Client is built
// per source so each source keeps its own politeness gap.
type Env struct {
	Store     *catalog.Store
	Client    *fetch.Client
	Extractor *extract.Extractor
	// DataDir is the root for downloaded payloads; each source writes under
	// DataDir/<name>/ and extractions under DataDir/extracted_text/<name>/.
	DataDir string
	// Extract enables inline text extraction right after each PDF download.
	Extract bool
}

// Source is a discovery-only adapter, driven by Run.
type Source interface {
	Name() string
	// Discover streams candidate items through emit. Returning emit's error
	// unchanged aborts the stream; page-level fetch failures should be
	// logged and skipped instead so one bad page never loses the rest.
	Discover(ctx context.Context, env *Env, emit func(Item) error) error
}

// Runner is implemented by adapters that replace the whole download loop,
// not just discovery.
type Runner interface {
	Run(ctx context.Context, env *Env) (Counters, error)
}

// Counters tallies one source run.
type Counters struct {
	Discovered int
	Downloaded int
	Skipped    int
	Failed     int
}

// Add accumulates other into c.
func (c *Counters) Add(other Counters) {
	c.Discovered += other.Discovered
	c.Downloaded += other.Downloaded
	c.Skipped += other.Skipped
	c.Failed += other.Failed
}

// Config carries per-source settings that adapters need at discovery time.
type Config struct {
	// APIToken authenticates API sources that require an account.
	APIToken string
}

// Names lists every source in default run order.
func Names() []string {
	return []string{
		"doj",
		"direct_urls",
		"fbi_vault",
		"internet_archive",
		"documentcloud",
		"house_oversight",
		"courtlistener",
		"torrents",
		"epsteingraph",
	}
}

// New builds the named source adapter.
func New(name string, cfg Config) (Source, error) {
	switch name {
	case "doj":
		return &DOJ{}, nil
	case "direct_urls":
		return &DirectURLs{}, nil
	case "fbi_vault":
		return &FBIVault{}, nil
	case "internet_archive":
		return &InternetArchive{}, nil
	case "documentcloud":
		return &DocumentCloud{}, nil
	case "house_oversight":
		return &HouseOversight{}, nil
	case "courtlistener":
		return &CourtListener{APIToken: cfg.APIToken}, nil
	case "torrents":
		return &Torrents{}, nil
	case "epsteingraph":
		return &EpsteinGraph{}, nil
	}
	return nil, errors.Newf("unknown source %q", name)
}

// Run drives one discovery-based source end to end: for every discovered
// item it dedups by URL, inserts a pending catalog row, downloads, dedups
// by content hash, records the outcome, and optionally extracts text.
// Download failures are recorded per document and do not abort the run;
// catalog errors and context cancellation do.
func Run(ctx context.Context, src Source, env *Env) (Counters, error) {
	var c Counters
	slog.Info("starting discovery", "source", src.Name())

	err := src.Discover(ctx, env, func(item Item) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Discovered++

		exists, err := env.Store.URLExists(ctx, item.URL)
		if err != nil {
			return err
		}
		if exists {
			c.Skipped++
			return nil
		}

		filename := item.Filename
		if filename == "" {
			filename = FilenameFromURL(item.URL)
		}
		title := item.Title
		if title == "" {
			title = filename
		}

		docID, err := env.Store.InsertDocument(ctx, &catalog.Document{
			URL:      item.URL,
			Source:   src.Name(),
			SourceID: item.SourceID,
			Filename: filename,
			Title:    title,
			Metadata: item.Metadata,
		})
		if err != nil {
			return err
		}

		safe := filename
		if item.SourceID != "" {
			safe = item.SourceID + "__" + filename
		}
		dest := filepath.Join(env.DataDir, src.Name(), safe)

		res, err := env.Client.Download(ctx, item.URL, dest)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if uerr := env.Store.UpdateDownload(ctx, docID, catalog.StatusFailed, "", "", 0, err.Error()); uerr != nil {
				return uerr
			}
			c.Failed++
			slog.Error("download failed", "source", src.Name(), "file", filename, "error", err)
			return nil
		}

		// Same content under a new URL: keep the first copy only.
		existing, err := env.Store.ContentPath(ctx, res.SHA256)
		if err != nil {
			return err
		}
		if existing != "" {
			slog.Info("content duplicate", "source", src.Name(), "file", filename, "of", existing)
			if rmErr := os.Remove(res.Path); rmErr != nil {
				slog.Warn("failed to remove duplicate file", "path", res.Path, "error", rmErr)
			}
			if err := env.Store.UpdateDownload(ctx, docID, catalog.StatusSkipped, "", "", 0, "duplicate of "+existing); err != nil {
				return err
			}
			c.Skipped++
			return nil
		}

		if err := env.Store.UpdateDownload(ctx, docID, catalog.StatusDownloaded, res.Path, res.SHA256, res.Size, ""); err != nil {
			return err
		}
		c.Downloaded++
		slog.Info("downloaded", "source", src.Name(), "file", filename, "bytes", res.Size)

		if env.Extract && strings.HasSuffix(strings.ToLower(res.Path), ".pdf") {
			if err := ExtractText(ctx, env, src.Name(), docID, res.Path); err != nil {
				return err
			}
		}
		return nil
	})

	slog.Info("source done", "source", src.Name(),
		"discovered", c.Discovered, "downloaded", c.Downloaded,
		"skipped", c.Skipped, "failed", c.Failed)
	return c, err
}

// ExtractText extracts one downloaded PDF and records the attempt in the
// catalog. Extraction failures are recorded as a failed extraction row and
// reported as nil; only catalog errors propagate.
func ExtractText(ctx context.Context, env *Env, source string, docID int64, pdfPath string) error {
	base := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	outputPath := filepath.Join(env.DataDir, "extracted_text", source, base+".txt")

	res, err := env.Extractor.ExtractPDF(ctx, pdfPath, outputPath)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		slog.Error("extraction failed", "source", source, "pdf", pdfPath, "error", err)
		return env.Store.InsertExtraction(ctx, &catalog.Extraction{
			DocumentID: docID,
			Method:     extract.MethodError,
			Status:     catalog.ExtractionFailed,
			Error:      err.Error(),
		})
	}

	if err := env.Store.InsertExtraction(ctx, &catalog.Extraction{
		DocumentID: docID,
		OutputPath: outputPath,
		Method:     res.Method,
		PageCount:  res.PageCount,
		CharCount:  res.CharCount,
		OCRPages:   res.OCRPages,
		Status:     catalog.ExtractionCompleted,
	}); err != nil {
		return err
	}
	slog.Info("extracted", "source", source, "file", base,
		"pages", res.PageCount, "chars", res.CharCount, "ocr_pages", res.OCRPages)
	return nil
}

// FilenameFromURL derives a filename from the final path segment of a URL.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "document.pdf"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "document.pdf"
	}
	return name
}
