// Package catalog implements the durable document catalog: one SQLite file
// holding document rows, append-only extraction rows, and opaque per-source
// crawl state. The schema is shared with the downstream search service, so
// table and column names are a stable contract.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite" // register the sqlite driver
)

// Download statuses of a document row.
const (
	StatusPending    = "pending"
	StatusDownloaded = "downloaded"
	StatusSkipped    = "skipped"
	StatusFailed     = "failed"
)

// Extraction row statuses.
const (
	ExtractionCompleted = "completed"
	ExtractionFailed    = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT NOT NULL,
    source TEXT NOT NULL,
    source_id TEXT DEFAULT '',
    filename TEXT DEFAULT '',
    title TEXT DEFAULT '',
    metadata TEXT DEFAULT '{}',
    local_path TEXT,
    sha256 TEXT,
    file_size INTEGER,
    download_status TEXT DEFAULT 'pending',
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(url)
);

CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(download_status);
CREATE INDEX IF NOT EXISTS idx_documents_sha256 ON documents(sha256);

CREATE TABLE IF NOT EXISTS text_extractions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id INTEGER NOT NULL,
    output_path TEXT,
    method TEXT,
    page_count INTEGER,
    char_count INTEGER,
    ocr_pages INTEGER DEFAULT 0,
    status TEXT DEFAULT 'pending',
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (document_id) REFERENCES documents(id)
);

CREATE TABLE IF NOT EXISTS source_state (
    source TEXT PRIMARY KEY,
    state TEXT DEFAULT '{}',
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Document is one row of the documents table. Nullable columns scan to their
// zero values.
type Document struct {
	ID             int64
	URL            string
	Source         string
	SourceID       string
	Filename       string
	Title          string
	Metadata       map[string]any
	LocalPath      string
	SHA256         string
	FileSize       int64
	DownloadStatus string
	Error          string
	CreatedAt      string
	UpdatedAt      string
}

// Extraction is one append-only row of the text_extractions table.
type Extraction struct {
	DocumentID int64
	OutputPath string
	Method     string
	PageCount  int
	CharCount  int
	OCRPages   int
	Status     string
	Error      string
}

// DocumentStat is one row of the per-source download aggregate.
type DocumentStat struct {
	Source     string
	Status     string
	Count      int64
	TotalBytes int64
}

// ExtractionStat is one row of the per-source extraction aggregate.
type ExtractionStat struct {
	Source        string
	Status        string
	Count         int64
	TotalChars    int64
	TotalOCRPages int64
}

// Store wraps the catalog database. All adapter mutations funnel through one
// Store; see Open for the write-serialization policy.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog at path and ensures the schema
// exists. The connection pool is capped at one connection: this process is
// the catalog's single writer, and one connection serializes all mutations
// without SQLITE_BUSY churn. External readers open their own handles; WAL
// keeps them consistent with this writer.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "catalog: create parent directory")
		}
	}

	u := url.URL{
		Scheme: "file",
		Opaque: path,
		RawQuery: url.Values{
			"_pragma": {
				"journal_mode(WAL)",
				"busy_timeout(5000)",
				"foreign_keys(1)",
			},
		}.Encode(),
	}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, errors.Wrap(err, "catalog: open")
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "catalog: ping")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "catalog: init schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// URLExists reports whether any document row has the given url, in any status.
func (s *Store) URLExists(ctx context.Context, docURL string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE url = ?`, docURL).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// ContentPath returns the local_path of an earlier downloaded document with
// the same content hash, or "" when the hash is unseen. Only rows that
// actually completed count; skipped and failed rows never hold content.
func (s *Store) ContentPath(ctx context.Context, sha256 string) (string, error) {
	var p sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT local_path FROM documents
		 WHERE sha256 = ? AND download_status = 'downloaded' LIMIT 1`,
		sha256).Scan(&p)
	switch {
	case err == sql.ErrNoRows:
		return "", nil
	case err != nil:
		return "", err
	}
	return p.String, nil
}

// InsertDocument inserts a pending row for doc and returns its id. When the
// url is already present the existing row is left untouched and its id is
// returned, making discovery idempotent across runs.
func (s *Store) InsertDocument(ctx context.Context, doc *Document) (int64, error) {
	meta := doc.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, errors.Wrap(err, "catalog: encode metadata")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO documents (url, source, source_id, filename, title, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.URL, doc.Source, doc.SourceID, doc.Filename, doc.Title, string(metaJSON))
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return res.LastInsertId()
	}

	// Already present; fetch the existing id.
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE url = ?`, doc.URL).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateDownload records the outcome of one download attempt in a single
// atomic mutation. Empty localPath, hash and errMsg are stored as NULL; every
// call overwrites all outcome columns and bumps updated_at.
func (s *Store) UpdateDownload(ctx context.Context, id int64, status, localPath, sha256 string, fileSize int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET download_status = ?, local_path = ?, sha256 = ?,
		 file_size = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		status, nullString(localPath), nullString(sha256), fileSize, nullString(errMsg), id)
	return err
}

// InsertExtraction appends one extraction attempt. Rows are never updated.
func (s *Store) InsertExtraction(ctx context.Context, ext *Extraction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO text_extractions
		 (document_id, output_path, method, page_count, char_count, ocr_pages, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ext.DocumentID, ext.OutputPath, ext.Method,
		ext.PageCount, ext.CharCount, ext.OCRPages,
		ext.Status, nullString(ext.Error))
	return err
}

// MissingExtractions returns downloaded documents that have no completed
// extraction yet, optionally restricted to one source.
func (s *Store) MissingExtractions(ctx context.Context, source string) ([]*Document, error) {
	q := `SELECT d.id, d.url, d.source, d.source_id, d.filename, d.title, d.metadata,
	             d.local_path, d.sha256, d.file_size, d.download_status, d.error,
	             d.created_at, d.updated_at
	      FROM documents d
	      LEFT JOIN text_extractions t ON d.id = t.document_id AND t.status = 'completed'
	      WHERE d.download_status = 'downloaded' AND t.id IS NULL`
	args := []any{}
	if source != "" {
		q += ` AND d.source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY d.id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SourceState returns the persisted state blob for a source. A missing row
// yields an empty map.
func (s *Store) SourceState(ctx context.Context, source string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM source_state WHERE source = ?`, source).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		return map[string]any{}, nil
	case err != nil:
		return nil, err
	}

	state := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, errors.Wrap(err, "catalog: decode source state "+source)
	}
	return state, nil
}

// SaveSourceState upserts the state blob for a source.
func (s *Store) SaveSourceState(ctx context.Context, source string, state map[string]any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "catalog: encode source state "+source)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO source_state (source, state, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(source) DO UPDATE SET state = ?, updated_at = CURRENT_TIMESTAMP`,
		source, string(raw), string(raw))
	return err
}

// DocumentStats aggregates document counts and byte totals by source and
// download status.
func (s *Store) DocumentStats(ctx context.Context) ([]DocumentStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, download_status, COUNT(*), COALESCE(SUM(file_size), 0)
		 FROM documents GROUP BY source, download_status ORDER BY source, download_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []DocumentStat
	for rows.Next() {
		var st DocumentStat
		if err := rows.Scan(&st.Source, &st.Status, &st.Count, &st.TotalBytes); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// ExtractionStats aggregates extraction counts, character totals and OCR page
// totals by source and extraction status.
func (s *Store) ExtractionStats(ctx context.Context) ([]ExtractionStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.source, t.status, COUNT(*),
		        COALESCE(SUM(t.char_count), 0), COALESCE(SUM(t.ocr_pages), 0)
		 FROM text_extractions t
		 JOIN documents d ON d.id = t.document_id
		 GROUP BY d.source, t.status ORDER BY d.source, t.status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ExtractionStat
	for rows.Next() {
		var st ExtractionStat
		if err := rows.Scan(&st.Source, &st.Status, &st.Count, &st.TotalChars, &st.TotalOCRPages); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// GetDocument returns one document by id, or nil when absent.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, source, source_id, filename, title, metadata,
		        local_path, sha256, file_size, download_status, error,
		        created_at, updated_at
		 FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc      Document
		metaJSON string
		local    sql.NullString
		hash     sql.NullString
		size     sql.NullInt64
		errMsg   sql.NullString
	)
	err := row.Scan(&doc.ID, &doc.URL, &doc.Source, &doc.SourceID, &doc.Filename,
		&doc.Title, &metaJSON, &local, &hash, &size, &doc.DownloadStatus,
		&errMsg, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}

	doc.LocalPath = local.String
	doc.SHA256 = hash.String
	doc.FileSize = size.Int64
	doc.Error = errMsg.String
	doc.Metadata = map[string]any{}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &doc.Metadata); err != nil {
			return nil, errors.Wrap(err, "catalog: decode metadata")
		}
	}
	return &doc, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
