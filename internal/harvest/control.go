package harvest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/epsteingraph/harvestctl/internal/catalog"
	"github.com/epsteingraph/harvestctl/internal/extract"
	"github.com/epsteingraph/harvestctl/internal/fetch"
	"github.com/epsteingraph/harvestctl/internal/sources"
)

const lockFilename = ".lock"

// validateLockFilePath validates that a lock file path is safe for use.
// It prevents directory traversal attacks by ensuring the path is within
// the data directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}
	if !strings.HasPrefix(cleanLock, cleanBase) {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}
	return nil
}

// resolveSources maps requested names to adapter instances. An empty request
// selects every known source; an unknown name is an error before any work
// starts.
func resolveSources(config *Config, names []string) ([]sources.Source, error) {
	if len(names) == 0 {
		names = sources.Names()
	}

	var srcs []sources.Source
	for _, name := range names {
		src, err := sources.New(name, sources.Config{APIToken: config.APIToken(name)})
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, src)
	}
	return srcs, nil
}

// Run executes discovery and download for the selected sources, then prints
// the catalog statistics.
//
// The first thing to do is to acquire flock on the lock file, so two engines
// can never write the same catalog.
//
// names is a list of source names; an empty list runs all sources defined in
// sources.Names(). Sources disabled in the configuration are skipped. The
// sources run sequentially; an error from one aborts the run, since adapters
// only propagate catalog failures and cancellation.
func Run(ctx context.Context, config *Config, names []string) error {
	srcs, err := resolveSources(config, names)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	unlock, err := lockDataDir(config.DataDir)
	if err != nil {
		return err
	}
	defer unlock()

	store, err := catalog.Open(config.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close catalog", "error", err)
		}
	}()

	total, err := runSources(ctx, config, store, srcs)
	slog.Info("run ends",
		"discovered", total.Discovered, "downloaded", total.Downloaded,
		"skipped", total.Skipped, "failed", total.Failed)
	if err != nil {
		return err
	}

	return writeStats(ctx, store, os.Stdout)
}

// runSources drives each source through its run loop and accumulates the
// counters.
func runSources(ctx context.Context, config *Config, store *catalog.Store, srcs []sources.Source) (sources.Counters, error) {
	extractor := extract.New(extract.Options{
		MinCharsPerPage: config.Extraction.MinCharsPerPage,
		OCRDPI:          config.Extraction.OCRDPI,
		TesseractLang:   config.Extraction.TesseractLang,
	})

	var total sources.Counters
	for _, src := range srcs {
		name := src.Name()
		if !config.Sources[name].IsEnabled() {
			slog.Info("source disabled in config, skipping", "source", name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}

		env := &sources.Env{
			Store: store,
			Client: fetch.NewClient(fetch.Options{
				Timeout:     time.Duration(config.Download.Timeout) * time.Second,
				MaxRetries:  config.Download.MaxRetries,
				Backoff:     config.Download.BackoffFactor,
				RateEvery:   config.RateEvery(name),
				UserAgent:   config.Download.UserAgent,
				MaxFileSize: config.Download.MaxFileSize,
				Progress:    config.Progress,
			}),
			Extractor: extractor,
			DataDir:   config.DataDir,
			Extract:   config.Extraction.IsEnabled(),
		}

		var (
			c   sources.Counters
			err error
		)
		if runner, ok := src.(sources.Runner); ok {
			c, err = runner.Run(ctx, env)
		} else {
			c, err = sources.Run(ctx, src, env)
		}
		total.Add(c)
		if err != nil {
			return total, errors.Wrap(err, "source "+name)
		}
	}
	return total, nil
}

// ExtractOnly runs text extraction over already-downloaded PDFs that have no
// completed extraction yet, optionally restricted to one source. Documents
// are processed by a bounded worker pool; catalog writes serialize through
// the store.
func ExtractOnly(ctx context.Context, config *Config, source string) error {
	store, err := catalog.Open(config.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close catalog", "error", err)
		}
	}()

	extractor := extract.New(extract.Options{
		MinCharsPerPage: config.Extraction.MinCharsPerPage,
		OCRDPI:          config.Extraction.OCRDPI,
		TesseractLang:   config.Extraction.TesseractLang,
	})

	docs, err := store.MissingExtractions(ctx, source)
	if err != nil {
		return err
	}
	slog.Info("documents needing text extraction", "count", len(docs))

	var completed, failed atomic.Int64
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.NumCPU())

	for _, doc := range docs {
		if !strings.HasSuffix(strings.ToLower(doc.LocalPath), ".pdf") {
			continue
		}
		if _, err := os.Stat(doc.LocalPath); err != nil {
			slog.Warn("downloaded file missing on disk, skipping",
				"source", doc.Source, "path", doc.LocalPath)
			continue
		}

		doc := doc
		group.Go(func() error {
			base := strings.TrimSuffix(filepath.Base(doc.LocalPath), filepath.Ext(doc.LocalPath))
			outputPath := filepath.Join(config.DataDir, "extracted_text", doc.Source, base+".txt")

			res, extErr := extractor.ExtractPDF(ctx, doc.LocalPath, outputPath)
			if extErr != nil {
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				failed.Add(1)
				slog.Error("extraction failed",
					"source", doc.Source, "file", base, "error", extErr)
				return store.InsertExtraction(ctx, &catalog.Extraction{
					DocumentID: doc.ID,
					Method:     extract.MethodError,
					Status:     catalog.ExtractionFailed,
					Error:      extErr.Error(),
				})
			}

			if err := store.InsertExtraction(ctx, &catalog.Extraction{
				DocumentID: doc.ID,
				OutputPath: outputPath,
				Method:     res.Method,
				PageCount:  res.PageCount,
				CharCount:  res.CharCount,
				OCRPages:   res.OCRPages,
				Status:     catalog.ExtractionCompleted,
			}); err != nil {
				return err
			}
			completed.Add(1)
			slog.Info("extracted", "source", doc.Source, "file", base,
				"pages", res.PageCount, "chars", res.CharCount, "ocr_pages", res.OCRPages)
			return nil
		})
	}

	err = group.Wait()
	slog.Info("extraction pass ends",
		"completed", completed.Load(), "failed", failed.Load())
	return err
}

// lockDataDir takes the engine lock inside dataDir and returns the release
// function. A held lock means another engine is writing this catalog.
func lockDataDir(dataDir string) (func(), error) {
	lockFile := filepath.Join(dataDir, lockFilename)
	if err := validateLockFilePath(lockFile, dataDir); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE, 0o644) // #nosec G304 - lockFile path is validated by validateLockFilePath
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close lock file", "error", cerr)
		}
		return nil, errors.Wrap(err, "another run holds the lock on "+dataDir)
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
	}, nil
}
