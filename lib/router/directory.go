package router

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/errs"
)

//go:embed schema.sql
var schemaSQL string

// Placement status values of the shared_documents table.
const (
	StatusActive   = "active"   // the primary copy
	StatusPending  = "pending"  // secondary copy waiting for its first sync
	StatusSynced   = "synced"   // secondary copy caught up at least once
	StatusOrphaned = "orphaned" // the primary copy was purged
)

// Entry is the directory record of a document.
type Entry struct {
	Doc     uuid.UUID       `json:"doc"`
	Owner   string          `json:"owner"`
	Shard   uint64          `json:"shard"` // shard of the primary copy
	Parent  uuid.UUID       `json:"parent"`
	Name    string          `json:"name"`
	Type    catalog.DocType `json:"type"`
	Version uint64          `json:"version"`
	Deleted bool            `json:"deleted"`
}

// EntryOf builds the directory record of a catalog document on shard.
func EntryOf(shardID uint64, d *catalog.Document) Entry {
	return Entry{
		Doc:     d.ID,
		Owner:   d.Owner,
		Shard:   shardID,
		Parent:  d.Parent,
		Name:    d.Name,
		Type:    d.Type,
		Version: d.Version,
		Deleted: d.Deleted,
	}
}

// Placement is a row of shared_documents: a copy of a document on a shard.
type Placement struct {
	Doc           uuid.UUID `json:"doc"`
	Shard         uint64    `json:"shard"`
	Primary       bool      `json:"primary"`
	SyncedVersion uint64    `json:"synced_version"`
	Status        string    `json:"status"`
	UpdatedAt     int64     `json:"updated_at"`
}

// Directory is the persistent lookup structure of the router, a SQLite
// database holding owner to shard assignments, the document to shard
// directory with a trigram name index, and the cross-shard placements.
//
// Thread-safety: Directory is safe for concurrent use. database/sql
// serializes access to the single connection.
type Directory struct {
	db *sql.DB
}

// OpenDirectory opens (and creates if needed) the directory database at
// path.
func OpenDirectory(path string) (*Directory, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errs.Wrap(errs.CodeIOFailure, err, "create directory folder")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIOFailure, err, "open directory")
	}
	// one connection: pragmas stay in effect and writers never see SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		schemaSQL,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errs.Wrap(errs.CodeIOFailure, err, "initialize directory")
		}
	}
	return &Directory{db: db}, nil
}

// Close closes the database.
func (d *Directory) Close() error {
	return d.db.Close()
}

func ioErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.CodeIOFailure, err, msg)
}

// --------------------------------------------------------------------------
// Assignments
// --------------------------------------------------------------------------

// Assignment returns the shard owner is assigned to.
func (d *Directory) Assignment(ctx context.Context, owner string) (uint64, bool, error) {
	var id uint64
	err := d.db.QueryRowContext(ctx, "SELECT shard_id FROM assignments WHERE owner = ?", owner).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, ioErr(err, "read assignment")
	}
	return id, true, nil
}

// Assign records owner -> shardID unless owner is already assigned and
// returns the assignment in effect afterwards.
func (d *Directory) Assign(ctx context.Context, owner string, shardID uint64) (uint64, error) {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO assignments (owner, shard_id, assigned_at) VALUES (?, ?, ?)",
		owner, shardID, time.Now().UnixNano())
	if err != nil {
		return 0, ioErr(err, "write assignment")
	}
	id, ok, err := d.Assignment(ctx, owner)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.Newf(errs.CodeInternal, "assignment of %q vanished", owner)
	}
	return id, nil
}

// Assignments returns the number of owners assigned to each shard.
func (d *Directory) Assignments(ctx context.Context) (map[uint64]int, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT shard_id, COUNT(*) FROM assignments GROUP BY shard_id")
	if err != nil {
		return nil, ioErr(err, "count assignments")
	}
	defer rows.Close()

	out := make(map[uint64]int)
	for rows.Next() {
		var id uint64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, ioErr(err, "scan assignment")
		}
		out[id] = n
	}
	return out, ioErr(rows.Err(), "count assignments")
}

// --------------------------------------------------------------------------
// Documents
// --------------------------------------------------------------------------

const entryColumns = "document_id, owner, shard_id, parent, name, doc_type, version, deleted"

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e           Entry
		id, parent  string
		deleted     int
		docType     int
		shard, vers int64
	)
	if err := row.Scan(&id, &e.Owner, &shard, &parent, &e.Name, &docType, &vers, &deleted); err != nil {
		return Entry{}, err
	}
	var err error
	if e.Doc, err = uuid.Parse(id); err != nil {
		return Entry{}, err
	}
	if e.Parent, err = uuid.Parse(parent); err != nil {
		return Entry{}, err
	}
	e.Shard = uint64(shard)
	e.Version = uint64(vers)
	e.Type = catalog.DocType(docType)
	e.Deleted = deleted != 0
	return e, nil
}

// Register inserts or updates the directory record of a document. The
// name index follows the record.
func (d *Directory) Register(ctx context.Context, e Entry) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr(err, "begin register")
	}
	defer func() { _ = tx.Rollback() }()

	deleted := 0
	if e.Deleted {
		deleted = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO documents (`+entryColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (document_id) DO UPDATE SET
			owner = excluded.owner, shard_id = excluded.shard_id, parent = excluded.parent,
			name = excluded.name, doc_type = excluded.doc_type, version = excluded.version,
			deleted = excluded.deleted, updated_at = excluded.updated_at`,
		e.Doc.String(), e.Owner, e.Shard, e.Parent.String(), e.Name, int(e.Type), e.Version, deleted, time.Now().UnixNano())
	if err != nil {
		return ioErr(err, "register document")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents_fts WHERE document_id = ?", e.Doc.String()); err != nil {
		return ioErr(err, "unindex name")
	}
	if !e.Deleted {
		if _, err := tx.ExecContext(ctx, "INSERT INTO documents_fts (name, document_id) VALUES (?, ?)", e.Name, e.Doc.String()); err != nil {
			return ioErr(err, "index name")
		}
	}
	return ioErr(tx.Commit(), "commit register")
}

// Lookup returns the directory record of id.
func (d *Directory) Lookup(ctx context.Context, id uuid.UUID) (Entry, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM documents WHERE document_id = ?", id.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, errs.Newf(errs.CodeNotFound, "document %s", id)
	}
	if err != nil {
		return Entry{}, ioErr(err, "lookup document")
	}
	return e, nil
}

// Children returns the records whose parent is parent, ordered by name.
func (d *Directory) Children(ctx context.Context, parent uuid.UUID) ([]Entry, error) {
	return d.query(ctx, "SELECT "+entryColumns+" FROM documents WHERE parent = ? ORDER BY name, document_id", parent.String())
}

// Owned returns the records of owner's documents on shardID.
func (d *Directory) Owned(ctx context.Context, owner string, shardID uint64) ([]Entry, error) {
	return d.query(ctx, "SELECT "+entryColumns+" FROM documents WHERE owner = ? AND shard_id = ? ORDER BY document_id", owner, shardID)
}

// FindByName returns live documents whose name contains term, best matches
// first, skipping the first offset matches. Terms shorter than a trigram
// fall back to a substring scan.
func (d *Directory) FindByName(ctx context.Context, term string, limit, offset int) ([]Entry, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	offset = max(offset, 0)
	if len([]rune(term)) < 3 {
		pattern := "%" + strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(term) + "%"
		return d.query(ctx, "SELECT "+entryColumns+` FROM documents
			WHERE deleted = 0 AND name LIKE ? ESCAPE '\' ORDER BY name, document_id LIMIT ? OFFSET ?`, pattern, limit, offset)
	}
	phrase := `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	return d.query(ctx, `SELECT d.document_id, d.owner, d.shard_id, d.parent, d.name, d.doc_type, d.version, d.deleted
		FROM documents_fts f JOIN documents d ON d.document_id = f.document_id
		WHERE documents_fts MATCH ? AND d.deleted = 0
		ORDER BY f.rank, d.document_id LIMIT ? OFFSET ?`, phrase, limit, offset)
}

func (d *Directory) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ioErr(err, "query documents")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, ioErr(err, "scan document")
		}
		out = append(out, e)
	}
	return out, ioErr(rows.Err(), "query documents")
}

// Remove drops a purged document from the directory. Secondary placements
// are kept as orphans so their copies can be found.
func (d *Directory) Remove(ctx context.Context, id uuid.UUID) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr(err, "begin remove")
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		"DELETE FROM documents WHERE document_id = ?",
		"DELETE FROM documents_fts WHERE document_id = ?",
		"DELETE FROM shared_documents WHERE document_id = ? AND is_primary = 1",
	} {
		if _, err := tx.ExecContext(ctx, q, id.String()); err != nil {
			return ioErr(err, "remove document")
		}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE shared_documents SET status = ?, updated_at = ? WHERE document_id = ?",
		StatusOrphaned, time.Now().UnixNano(), id.String()); err != nil {
		return ioErr(err, "orphan placements")
	}
	return ioErr(tx.Commit(), "commit remove")
}

// --------------------------------------------------------------------------
// Placements
// --------------------------------------------------------------------------

const placementColumns = "document_id, shard_id, is_primary, last_sync_version, status, updated_at"

func scanPlacement(row scanner) (Placement, error) {
	var (
		p       Placement
		id      string
		primary int
		shard   int64
		synced  int64
	)
	if err := row.Scan(&id, &shard, &primary, &synced, &p.Status, &p.UpdatedAt); err != nil {
		return Placement{}, err
	}
	var err error
	if p.Doc, err = uuid.Parse(id); err != nil {
		return Placement{}, err
	}
	p.Shard = uint64(shard)
	p.Primary = primary != 0
	p.SyncedVersion = uint64(synced)
	return p, nil
}

// AddPlacement records a copy of doc on shardID. An existing row is left
// unchanged. Reports whether a row was created.
func (d *Directory) AddPlacement(ctx context.Context, doc uuid.UUID, shardID uint64, primary bool) (bool, error) {
	isPrimary, status := 0, StatusPending
	if primary {
		isPrimary, status = 1, StatusActive
	}
	res, err := d.db.ExecContext(ctx, "INSERT OR IGNORE INTO shared_documents ("+placementColumns+") VALUES (?, ?, ?, 0, ?, ?)",
		doc.String(), shardID, isPrimary, status, time.Now().UnixNano())
	if err != nil {
		return false, ioErr(err, "add placement")
	}
	n, err := res.RowsAffected()
	return n > 0, ioErr(err, "add placement")
}

// Placement returns the placement of doc on shardID.
func (d *Directory) Placement(ctx context.Context, doc uuid.UUID, shardID uint64) (Placement, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+placementColumns+" FROM shared_documents WHERE document_id = ? AND shard_id = ?",
		doc.String(), shardID)
	p, err := scanPlacement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Placement{}, errs.Newf(errs.CodeNotFound, "no placement of %s on shard %d", doc, shardID)
	}
	if err != nil {
		return Placement{}, ioErr(err, "read placement")
	}
	return p, nil
}

// Placements returns every placement of doc, the primary first.
func (d *Directory) Placements(ctx context.Context, doc uuid.UUID) ([]Placement, error) {
	return d.placements(ctx, "SELECT "+placementColumns+" FROM shared_documents WHERE document_id = ? ORDER BY is_primary DESC, shard_id",
		doc.String())
}

// Lagging returns the secondary placements whose watermark is behind the
// version of the primary copy.
func (d *Directory) Lagging(ctx context.Context) ([]Placement, error) {
	return d.placements(ctx, `SELECT s.document_id, s.shard_id, s.is_primary, s.last_sync_version, s.status, s.updated_at
		FROM shared_documents s JOIN documents d ON d.document_id = s.document_id
		WHERE s.is_primary = 0 AND s.status != ? AND s.last_sync_version < d.version
		ORDER BY s.document_id, s.shard_id`, StatusOrphaned)
}

func (d *Directory) placements(ctx context.Context, q string, args ...any) ([]Placement, error) {
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ioErr(err, "query placements")
	}
	defer rows.Close()

	var out []Placement
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, ioErr(err, "scan placement")
		}
		out = append(out, p)
	}
	return out, ioErr(rows.Err(), "query placements")
}

// MarkSynced advances the watermark of a secondary placement. The watermark
// never moves backwards.
func (d *Directory) MarkSynced(ctx context.Context, doc uuid.UUID, shardID, version uint64) error {
	_, err := d.db.ExecContext(ctx, `UPDATE shared_documents
		SET last_sync_version = MAX(last_sync_version, ?), status = ?, updated_at = ?
		WHERE document_id = ? AND shard_id = ? AND is_primary = 0`,
		version, StatusSynced, time.Now().UnixNano(), doc.String(), shardID)
	return ioErr(err, "mark synced")
}
