// Package blobstore implements the content-addressed BLOB store:
// BLAKE3-keyed deduplicated storage with refcount-based retention and a
// mark-and-sweep garbage collector, backed by WAL-mode SQLite.
package blobstore

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
)

// MediaType classifies a blob's role.
type MediaType string

const (
	MediaManifest MediaType = "manifest"
	MediaProof    MediaType = "proof"
	MediaWasm     MediaType = "wasm"
	MediaABI      MediaType = "abi"
	MediaOther    MediaType = "other"
)

var knownMediaTypes = map[MediaType]bool{
	MediaManifest: true, MediaProof: true, MediaWasm: true, MediaABI: true, MediaOther: true,
}

// Info is a blob's metadata without its bytes.
type Info struct {
	BlobID    string    `json:"blob_id"`
	Size      int64     `json:"size"`
	MediaType MediaType `json:"media_type"`
	Refcount  int64     `json:"refcount"`
}

// Filter narrows List.
type Filter struct {
	MediaType MediaType
	Pinned    bool // only blobs with refcount > 0
}

const blobSchema = `
CREATE TABLE IF NOT EXISTS blobs (
	blob_id    TEXT PRIMARY KEY,
	size       INTEGER NOT NULL,
	media_type TEXT NOT NULL,
	data       BLOB NOT NULL,
	refcount   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_blobs_refcount ON blobs (refcount);
`

// Store is the SQLite-backed CAS. Writes are transactional; a blob's bytes
// and blob_id are immutable once written.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a blob store at path in WAL mode.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, caperrors.StorageIO("blobstore: open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, caperrors.StorageIO("blobstore: enable WAL: %v", err)
	}
	if _, err := db.ExecContext(ctx, blobSchema); err != nil {
		_ = db.Close()
		return nil, caperrors.StorageIO("blobstore: apply schema: %v", err)
	}
	return &Store{db: db}, nil
}

// ID computes blob_id = "0x" || BLAKE3-256(data).
func ID(data []byte) string {
	return canonicalize.BLAKE3Hex(data)
}

// Put stores data under its content address. Putting bytes that already
// exist is idempotent: no duplication, the existing id is returned and the
// refcount is untouched.
func (s *Store) Put(data []byte, mediaType MediaType) (string, error) {
	if !knownMediaTypes[mediaType] {
		return "", caperrors.Domain("blobstore: unknown media type %q", mediaType)
	}
	blobID := ID(data)

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", caperrors.StorageIO("blobstore: begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	row := tx.QueryRowContext(ctx, "SELECT size FROM blobs WHERE blob_id = ?", blobID)
	switch err := row.Scan(&existing); err {
	case nil:
		return blobID, nil
	case sql.ErrNoRows:
	default:
		return "", caperrors.StorageIO("blobstore: dedup probe: %v", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO blobs (blob_id, size, media_type, data, refcount) VALUES (?, ?, ?, ?, 0)",
		blobID, int64(len(data)), string(mediaType), data)
	if err != nil {
		return "", caperrors.StorageIO("blobstore: insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return "", caperrors.StorageIO("blobstore: commit: %v", err)
	}
	return blobID, nil
}

// Get returns the bytes stored under blobID, verifying them against the
// content address: a mismatch is a corruption signal, not a miss.
func (s *Store) Get(blobID string) ([]byte, error) {
	var data []byte
	row := s.db.QueryRow("SELECT data FROM blobs WHERE blob_id = ?", blobID)
	switch err := row.Scan(&data); err {
	case nil:
	case sql.ErrNoRows:
		return nil, caperrors.Domain("blobstore: unknown blob %s", blobID)
	default:
		return nil, caperrors.StorageIO("blobstore: query: %v", err)
	}
	if ID(data) != blobID {
		return nil, caperrors.StorageCorruption("blobstore: stored bytes do not match blob_id").WithField("blob_id")
	}
	return data, nil
}

// Exists reports whether blobID is present.
func (s *Store) Exists(blobID string) (bool, error) {
	var one int
	row := s.db.QueryRow("SELECT 1 FROM blobs WHERE blob_id = ?", blobID)
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, caperrors.StorageIO("blobstore: query: %v", err)
	}
}

// Pin increments blobID's refcount.
func (s *Store) Pin(blobID string) error {
	res, err := s.db.Exec("UPDATE blobs SET refcount = refcount + 1 WHERE blob_id = ?", blobID)
	if err != nil {
		return caperrors.StorageIO("blobstore: pin: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return caperrors.Domain("blobstore: unknown blob %s", blobID)
	}
	return nil
}

// Unpin decrements blobID's refcount. Unpinning at zero is a domain error,
// never a silent no-op.
func (s *Store) Unpin(blobID string) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return caperrors.StorageIO("blobstore: begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	var refcount int64
	row := tx.QueryRowContext(ctx, "SELECT refcount FROM blobs WHERE blob_id = ?", blobID)
	switch err := row.Scan(&refcount); err {
	case nil:
	case sql.ErrNoRows:
		return caperrors.Domain("blobstore: unknown blob %s", blobID)
	default:
		return caperrors.StorageIO("blobstore: query: %v", err)
	}
	if refcount == 0 {
		return caperrors.Domain("blobstore: unpin on zero refcount for %s", blobID)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE blobs SET refcount = refcount - 1 WHERE blob_id = ?", blobID); err != nil {
		return caperrors.StorageIO("blobstore: unpin: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return caperrors.StorageIO("blobstore: commit: %v", err)
	}
	return nil
}

// List returns metadata for blobs matching filter, ordered by blob_id.
func (s *Store) List(filter Filter) ([]Info, error) {
	rows, err := s.db.Query("SELECT blob_id, size, media_type, refcount FROM blobs ORDER BY blob_id")
	if err != nil {
		return nil, caperrors.StorageIO("blobstore: query: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Info
	for rows.Next() {
		var info Info
		var mt string
		if err := rows.Scan(&info.BlobID, &info.Size, &mt, &info.Refcount); err != nil {
			return nil, caperrors.StorageIO("blobstore: scan: %v", err)
		}
		info.MediaType = MediaType(mt)
		if filter.MediaType != "" && info.MediaType != filter.MediaType {
			continue
		}
		if filter.Pinned && info.Refcount == 0 {
			continue
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, caperrors.StorageIO("blobstore: rows: %v", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
