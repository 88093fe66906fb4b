package sources

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/epsteingraph/harvestctl/internal/catalog"
)

// Torrents fetches the big community-mirrored archives over BitTorrent by
// shelling out to aria2c. It replaces the whole download loop because
// magnet links do not go through the HTTP client.
type Torrents struct{}

// Verified magnet links from github.com/yung-megafone/Epstein-Files.
var torrentSeeds = []struct {
	Magnet   string
	SourceID string
	Filename string
	Title    string
}{
	{
		Magnet:   "magnet:?xt=urn:btih:f5cbe5026b1f86617c520d0a9cd610d6254cbe85&dn=epstein-files-structured-full-20250204.tar.zst&xl=221393230690",
		SourceID: "full-structured",
		Filename: "epstein-files-structured-full-20250204.tar.zst",
		Title:    "Epstein Files - Full Structured Dataset (221GB)",
	},
	{
		Magnet:   "magnet:?xt=urn:btih:7ac8f771678d19c75a26ea6c14e7d4c003fbf9b6&dn=dataset9-more-complete.tar.zst",
		SourceID: "dataset-9-torrent",
		Filename: "dataset9-more-complete.tar.zst",
		Title:    "DOJ Data Set 9 (Torrent)",
	},
	{
		Magnet:   "magnet:?xt=urn:btih:d509cc4ca1a415a9ba3b6cb920f67c44aed7fe1f&dn=DataSet%2010.zip",
		SourceID: "dataset-10-torrent",
		Filename: "DataSet-10.zip",
		Title:    "DOJ Data Set 10 (Torrent)",
	},
	{
		Magnet:   "magnet:?xt=urn:btih:59975667f8bdd5baf9945b0e2db8a57d52d32957&dn=DataSet%2011.zip",
		SourceID: "dataset-11-torrent",
		Filename: "DataSet-11.zip",
		Title:    "DOJ Data Set 11 (Torrent)",
	},
}

const torrentTimeout = 24 * time.Hour

func (*Torrents) Name() string { return "torrents" }

// Discover emits nothing; Run replaces the whole pipeline.
func (*Torrents) Discover(ctx context.Context, env *Env, emit func(Item) error) error {
	return nil
}

// Run downloads each magnet with aria2c, then hashes and catalogs the
// payload like any other download.
func (t *Torrents) Run(ctx context.Context, env *Env) (Counters, error) {
	var c Counters

	if !toolAvailable("aria2c") {
		slog.Error("aria2c not available, skipping torrents", "install", "dnf install aria2")
		return c, nil
	}

	destDir := filepath.Join(env.DataDir, t.Name())
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return c, errors.Wrap(err, "create torrent directory")
	}

	slog.Info("starting torrent downloads", "source", t.Name())
	for _, seed := range torrentSeeds {
		if err := ctx.Err(); err != nil {
			return c, err
		}
		c.Discovered++

		exists, err := env.Store.URLExists(ctx, seed.Magnet)
		if err != nil {
			return c, err
		}
		if exists {
			slog.Info("already tracked", "source", t.Name(), "file", seed.Filename)
			c.Skipped++
			continue
		}

		docID, err := env.Store.InsertDocument(ctx, &catalog.Document{
			URL:      seed.Magnet,
			Source:   t.Name(),
			SourceID: seed.SourceID,
			Filename: seed.Filename,
			Title:    seed.Title,
		})
		if err != nil {
			return c, err
		}

		slog.Info("starting torrent", "source", t.Name(), "file", seed.Filename)
		if dlErr := runAria2c(ctx, destDir, seed.Magnet); dlErr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return c, cerr
			}
			if err := env.Store.UpdateDownload(ctx, docID, catalog.StatusFailed, "", "", 0, dlErr.Error()); err != nil {
				return c, err
			}
			c.Failed++
			slog.Error("torrent failed", "source", t.Name(), "file", seed.Filename, "error", dlErr)
			continue
		}

		localPath := filepath.Join(destDir, seed.Filename)
		if _, statErr := os.Stat(localPath); statErr == nil {
			sha, size, hashErr := hashFile(localPath)
			if hashErr != nil {
				if err := env.Store.UpdateDownload(ctx, docID, catalog.StatusFailed, "", "", 0, hashErr.Error()); err != nil {
					return c, err
				}
				c.Failed++
				continue
			}
			if err := env.Store.UpdateDownload(ctx, docID, catalog.StatusDownloaded, localPath, sha, size, ""); err != nil {
				return c, err
			}
			slog.Info("torrent downloaded", "source", t.Name(), "file", seed.Filename, "bytes", size)
		} else {
			// aria2c may save under the torrent's own name; record the
			// directory so the payload is still findable.
			if err := env.Store.UpdateDownload(ctx, docID, catalog.StatusDownloaded, destDir, "", 0, ""); err != nil {
				return c, err
			}
			slog.Info("torrent downloaded", "source", t.Name(), "file", seed.Filename, "saved_to", destDir)
		}
		c.Downloaded++
	}

	slog.Info("source done", "source", t.Name(),
		"discovered", c.Discovered, "downloaded", c.Downloaded,
		"skipped", c.Skipped, "failed", c.Failed)
	return c, nil
}

// runAria2c downloads one magnet into dir. The zero seed time stops
// seeding after completion and the stop timeout gives up when no peers
// appear for ten minutes.
func runAria2c(ctx context.Context, dir, magnet string) error {
	tctx, cancel := context.WithTimeout(ctx, torrentTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(tctx, "aria2c",
		"--dir", dir,
		"--seed-time=0",
		"--max-tries=5",
		"--retry-wait=30",
		"--file-allocation=falloc",
		"--summary-interval=60",
		"--bt-stop-timeout=600",
		magnet,
	)
	cmd.Stderr = &stderr

	err := cmd.Run()
	switch {
	case err == nil:
		return nil
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		return errors.Newf("timeout after %s", torrentTimeout)
	}

	msg := stderr.String()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	if msg == "" {
		msg = fmt.Sprintf("aria2c: %v", err)
	}
	return errors.New(msg)
}

// hashFile computes the SHA-256 of a file in streaming chunks.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.CopyBuffer(h, f, make([]byte, 64<<10))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// toolAvailable reports whether an external tool can be invoked. A nonzero
// exit from --version still counts as present.
func toolAvailable(tool string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := exec.CommandContext(ctx, tool, "--version").Run()
	if ctx.Err() != nil {
		return false
	}
	if err == nil {
		return true
	}
	var ee *exec.ExitError
	return errors.As(err, &ee)
}
