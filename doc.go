/*
Package harvestctl is a tool for collecting publicly released Jeffrey Epstein
case documents into a local, searchable corpus.

harvestctl provides polite, resumable harvesting of court and government
document sources with features including:
  - Content-hash deduplication across sources
  - Per-source rate limiting and resumable pagination cursors
  - A SQLite catalog shared with the downstream search service
  - PDF text extraction with an OCR fallback for scanned pages
  - Atomic downloads and single-writer file locking

The main packages are:

	github.com/epsteingraph/harvestctl/internal/catalog  - SQLite document catalog and crawl state
	github.com/epsteingraph/harvestctl/internal/fetch    - Rate-limited, retrying HTTP client
	github.com/epsteingraph/harvestctl/internal/extract  - PDF text extraction and OCR fallback
	github.com/epsteingraph/harvestctl/internal/sources  - Per-archive discovery adapters
	github.com/epsteingraph/harvestctl/internal/harvest  - Run orchestration and configuration
	github.com/epsteingraph/harvestctl/cmd/harvestctl    - Command-line interface
*/
package harvestctl
