// Package projection rebuilds a queryable SQLite database from the event
// log (spec §4.9). The schema is a deliberately thinner cousin of the
// teacher's internal/storage/sqlite schema (schema.go): items replace
// issues, item_labels/item_assignees/item_dependencies/item_comments
// replace the teacher's labels/dependencies/comments tables, but every
// table still carries the teacher's "NOT NULL DEFAULT ''" style to avoid
// NULL-handling branches at the Go call site (sql.NullString only where
// a column is genuinely optional, matching storage/sqlite/issues.go).
//
// bones uses github.com/ncruces/go-sqlite3 (driver+embed, a pure-Go
// SQLite found in the teacher's own test files, sqlite_test.go and
// freshness_test.go) rather than a cgo sqlite3 binding, so the projection
// never needs a C toolchain — a deliberate upgrade over the teacher's
// cgo-backed production path (external_deps.go), justified because bones
// ships as a library with no equivalent CLI release pipeline to carry a
// cgo build matrix.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/crdt"
	"github.com/untoldecay/bones/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	size INTEGER,
	urgency INTEGER,
	state TEXT NOT NULL DEFAULT 'open',
	parent TEXT NOT NULL DEFAULT '',
	deleted INTEGER NOT NULL DEFAULT 0,
	delete_reason TEXT NOT NULL DEFAULT '',
	create_event_hash TEXT NOT NULL DEFAULT '',
	created_at_us INTEGER NOT NULL DEFAULT 0,
	updated_at_us INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_items_parent ON items(parent);
CREATE INDEX IF NOT EXISTS idx_items_state ON items(state);
CREATE INDEX IF NOT EXISTS idx_items_kind ON items(kind);

CREATE TABLE IF NOT EXISTS item_labels (
	item_id TEXT NOT NULL,
	label TEXT NOT NULL,
	created_at_us INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (item_id, label)
);

CREATE TABLE IF NOT EXISTS item_assignees (
	item_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	created_at_us INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (item_id, agent)
);

CREATE TABLE IF NOT EXISTS item_dependencies (
	item_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	link_type TEXT NOT NULL,
	created_at_us INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (item_id, target_id, link_type)
);
CREATE INDEX IF NOT EXISTS idx_deps_target ON item_dependencies(target_id);

CREATE TABLE IF NOT EXISTS item_comments (
	event_hash TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	wall_ts_us INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_item ON item_comments(item_id, wall_ts_us);

CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
	id UNINDEXED, title, description
);

CREATE TABLE IF NOT EXISTS projection_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// DB wraps the projection's *sql.DB with bones-specific queries.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the projection database at path and
// ensures its schema exists.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("projection: open %s: %w", path, err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("projection: %w: %v", boneserr.ErrProjectionMissing, err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// Rebuild truncates every projection table and re-applies states in one
// transaction, matching the teacher's "rebuild is always a full
// transactional wipe + reinsert" approach (storage/sqlite/migrations.go).
func (d *DB) Rebuild(ctx context.Context, states map[string]*crdt.WorkItemState, highestHash string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("projection: begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"items", "item_labels", "item_assignees", "item_dependencies", "item_comments", "items_fts"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("projection: clear %s: %w", table, err)
		}
	}

	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := applyState(ctx, tx, states[id].ToFields()); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection_meta(key, value) VALUES('highest_hash', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, highestHash); err != nil {
		return fmt.Errorf("projection: set watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("projection: commit rebuild: %w", err)
	}
	return nil
}

// ApplyOne incrementally applies (or re-applies, idempotently) a single
// item's state outside of a full rebuild — the fast path after ingesting
// a handful of new events instead of replaying the whole log.
func (d *DB) ApplyOne(ctx context.Context, st *crdt.WorkItemState) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	f := st.ToFields()
	for _, table := range []string{"item_labels", "item_assignees", "item_dependencies", "item_comments"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE item_id = ?", f.ID); err != nil {
			return fmt.Errorf("projection: clear %s for %s: %w", table, f.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM items_fts WHERE id = ?", f.ID); err != nil {
		return err
	}
	if err := applyState(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit()
}

func applyState(ctx context.Context, tx *sql.Tx, f crdt.WorkItemFields) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO items(id, title, kind, description, size, urgency, state, parent, deleted, delete_reason, create_event_hash, created_at_us, updated_at_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, kind=excluded.kind, description=excluded.description,
			size=excluded.size, urgency=excluded.urgency, state=excluded.state,
			parent=excluded.parent, deleted=excluded.deleted,
			delete_reason=excluded.delete_reason, create_event_hash=excluded.create_event_hash,
			created_at_us=excluded.created_at_us, updated_at_us=excluded.updated_at_us
	`, f.ID, f.Title, string(f.Kind), f.Description, f.Size, f.Urgency, string(f.State), f.Parent, boolToInt(f.Deleted), f.DeleteReason, f.CreateEventHash, f.CreatedAtUs, f.UpdatedAtUs)
	if err != nil {
		return fmt.Errorf("projection: upsert item %s: %w", f.ID, err)
	}

	for _, l := range f.Labels {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_labels(item_id, label, created_at_us) VALUES (?, ?, ?)`, f.ID, l, f.LabelCreatedAtUs[l]); err != nil {
			return err
		}
	}
	for _, a := range f.Assignees {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_assignees(item_id, agent, created_at_us) VALUES (?, ?, ?)`, f.ID, a, f.AssigneeCreatedAtUs[a]); err != nil {
			return err
		}
	}
	for _, target := range f.BlockedBy {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_dependencies(item_id, target_id, link_type, created_at_us) VALUES (?, ?, 'blocked_by', ?)`, f.ID, target, f.BlockedByCreatedAtUs[target]); err != nil {
			return err
		}
	}
	for _, target := range f.RelatedTo {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_dependencies(item_id, target_id, link_type, created_at_us) VALUES (?, ?, 'related_to', ?)`, f.ID, target, f.RelatedToCreatedAtUs[target]); err != nil {
			return err
		}
	}
	for _, c := range f.Comments {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO item_comments(event_hash, item_id, author, body, wall_ts_us) VALUES (?, ?, ?, ?, ?)
		`, c.EventHash, f.ID, c.Author, c.Body, c.WallTSUs); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO items_fts(id, title, description) VALUES (?, ?, ?)`, f.ID, f.Title, f.Description); err != nil {
		return fmt.Errorf("projection: index %s: %w", f.ID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// HighestHash returns the event_hash watermark recorded by the last
// Rebuild, or "" if none.
func (d *DB) HighestHash(ctx context.Context) (string, error) {
	var v string
	err := d.conn.QueryRowContext(ctx, `SELECT value FROM projection_meta WHERE key = 'highest_hash'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("projection: read watermark: %w", err)
	}
	return v, nil
}

// Resolve implements the partial-ID resolution policy (spec §4.9):
// exact match, then "bn-"+input, then a prefix match (at most 6
// candidates are read; more than one match is ErrAmbiguousID), mirroring the
// teacher's hash_ids.go ResolveHashID precedence.
func (d *DB) Resolve(ctx context.Context, input string) (string, error) {
	if exists, err := d.exists(ctx, input); err != nil {
		return "", err
	} else if exists {
		return input, nil
	}

	withPrefix := input
	if !strings.HasPrefix(input, "bn-") {
		withPrefix = "bn-" + input
	}
	if exists, err := d.exists(ctx, withPrefix); err != nil {
		return "", err
	} else if exists {
		return withPrefix, nil
	}

	rows, err := d.conn.QueryContext(ctx, `SELECT id FROM items WHERE id LIKE ? ORDER BY id LIMIT 6`, withPrefix+"%")
	if err != nil {
		return "", fmt.Errorf("projection: resolve %s: %w", input, err)
	}
	defer func() { _ = rows.Close() }()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", boneserr.ErrEventNotFound, input)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %v", boneserr.ErrAmbiguousID, input, matches)
	}
}

func (d *DB) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := d.conn.QueryRowContext(ctx, `SELECT 1 FROM items WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Children returns direct children of parentID, ordered by id.
func (d *DB) Children(ctx context.Context, parentID string) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT id FROM items WHERE parent = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Dependents returns items that depend on targetID via the given link
// type.
func (d *DB) Dependents(ctx context.Context, targetID string, linkType events.LinkType) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT item_id FROM item_dependencies WHERE target_id = ? AND link_type = ? ORDER BY item_id
	`, targetID, string(linkType))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Search runs an FTS5 match over title/description.
func (d *DB) Search(ctx context.Context, query string) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT id FROM items_fts WHERE items_fts MATCH ? ORDER BY rank`, query)
	if err != nil {
		return nil, fmt.Errorf("projection: search %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
