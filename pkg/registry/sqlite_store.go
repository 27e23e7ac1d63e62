package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capassure/capcore/pkg/caperrors"
)

// SQLiteStore implements Store over a WAL-mode SQLite database. All
// operations, reads included, share a single connection, so they run one
// at a time; every write is wrapped in a transaction.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteRegistrySchema = `
CREATE TABLE IF NOT EXISTS registry_meta (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS registry_entries (
	id               TEXT PRIMARY KEY,
	manifest_hash    TEXT NOT NULL,
	proof_hash       TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	signature        TEXT,
	public_key       TEXT,
	kid              TEXT,
	signature_scheme TEXT,
	timestamp        TEXT,
	body             TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_registry_hashes
	ON registry_entries (manifest_hash, proof_hash);
`

// OpenSQLite opens (creating if absent) a SQLite registry at path and
// applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, caperrors.StorageIO("registry: open sqlite: %v", err)
	}
	// SQLite permits one writer; funnel all connections through a single
	// handle so database/sql does not hand out conflicting writers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, caperrors.StorageIO("registry: enable WAL: %v", err)
	}
	if _, err := db.ExecContext(ctx, sqliteRegistrySchema); err != nil {
		_ = db.Close()
		return nil, caperrors.StorageIO("registry: apply schema: %v", err)
	}
	return &SQLiteStore{db: db}, nil
}

func entryColumns(e Entry) (body string, ts string, err error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", "", caperrors.Canonicalisation("entry", "failed to marshal entry: %v", err)
	}
	if e.Timestamp != nil {
		tsRaw, err := json.Marshal(e.Timestamp)
		if err != nil {
			return "", "", caperrors.Canonicalisation("entry.timestamp", "failed to marshal timestamp: %v", err)
		}
		ts = string(tsRaw)
	}
	return string(raw), ts, nil
}

func (s *SQLiteStore) AddEntry(e Entry) error {
	body, ts, err := entryColumns(e)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return caperrors.StorageIO("registry: begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingBody string
	row := tx.QueryRowContext(ctx,
		"SELECT body FROM registry_entries WHERE manifest_hash = ? AND proof_hash = ?",
		e.ManifestHash, e.ProofHash)
	switch err := row.Scan(&existingBody); err {
	case nil:
		var existing Entry
		if uerr := json.Unmarshal([]byte(existingBody), &existing); uerr != nil {
			return caperrors.StorageCorruption("registry: stored entry body: %v", uerr)
		}
		if sameEntry(existing, e) {
			return nil
		}
		return caperrors.HashConflict("manifest_hash,proof_hash")
	case sql.ErrNoRows:
	default:
		return caperrors.StorageIO("registry: duplicate probe: %v", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO registry_entries
			(id, manifest_hash, proof_hash, created_at, signature, public_key, kid, signature_scheme, timestamp, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ManifestHash, e.ProofHash, e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.SignatureB64, e.PublicKeyB64, e.KID, e.SignatureScheme, ts, body)
	if err != nil {
		return caperrors.StorageIO("registry: insert entry: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return caperrors.StorageIO("registry: commit: %v", err)
	}
	return nil
}

func (s *SQLiteStore) FindByHashes(manifestHash, proofHash string) (*Entry, bool, error) {
	var body string
	row := s.db.QueryRow(
		"SELECT body FROM registry_entries WHERE manifest_hash = ? AND proof_hash = ?",
		manifestHash, proofHash)
	switch err := row.Scan(&body); err {
	case nil:
	case sql.ErrNoRows:
		return nil, false, nil
	default:
		return nil, false, caperrors.StorageIO("registry: query: %v", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, false, caperrors.StorageCorruption("registry: stored entry body: %v", err)
	}
	return &e, true, nil
}

func (s *SQLiteStore) List(filter Filter) ([]Entry, error) {
	rows, err := s.db.Query("SELECT body FROM registry_entries ORDER BY created_at")
	if err != nil {
		return nil, caperrors.StorageIO("registry: query: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, caperrors.StorageIO("registry: scan: %v", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, caperrors.StorageCorruption("registry: stored entry body: %v", err)
		}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, caperrors.StorageIO("registry: rows: %v", err)
	}
	return out, nil
}

func (s *SQLiteStore) Load() (*Registry, error) {
	entries, err := s.List(Filter{})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return &Registry{Version: "cap-registry.v1", Entries: entries}, nil
}

// Save replaces the registry contents whole, as used by restores.
func (s *SQLiteStore) Save(r *Registry) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return caperrors.StorageIO("registry: begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM registry_entries"); err != nil {
		return caperrors.StorageIO("registry: clear: %v", err)
	}
	for _, e := range r.Entries {
		body, ts, err := entryColumns(e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO registry_entries
				(id, manifest_hash, proof_hash, created_at, signature, public_key, kid, signature_scheme, timestamp, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ManifestHash, e.ProofHash, e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.SignatureB64, e.PublicKeyB64, e.KID, e.SignatureScheme, ts, body)
		if err != nil {
			return caperrors.StorageIO("registry: insert entry %s: %v", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return caperrors.StorageIO("registry: commit: %v", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
