package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/ordering"
)

// createdAtLayout is fixed width so that text ordering matches time ordering
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements placeflow.InstanceStore on SQLite.
//
// Instances and documents are stored as JSON bodies next to the columns used
// for lookups. Save is a conditional update on the revision column inside a
// transaction, so concurrent writers on a shared file see STATE_CONFLICT
// instead of lost updates. Listings return instances without documents.
type SQLiteStore struct {
	db *sql.DB
}

// Verify interface compliance
var _ placeflow.InstanceStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore. The database must use the "sqlite" driver.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return s, nil
}

// OpenSQLiteStore opens path (":memory:" for a private in-memory database)
// and initializes the schema
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Each connection to :memory: is a separate database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}

	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			parent_id TEXT NOT NULL,
			revision INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			body TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS instances_project ON instances (project_id, created_at);
		CREATE INDEX IF NOT EXISTS instances_parent ON instances (parent_id);

		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			ordering_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS documents_instance ON documents (instance_id);
		CREATE INDEX IF NOT EXISTS documents_project ON documents (project_id, ordering_key);
		CREATE INDEX IF NOT EXISTS documents_scope ON documents (scope);

		CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*placeflow.WorkflowInstance, error) {
	var body string
	var revision int64
	err := s.db.QueryRowContext(ctx, `SELECT body, revision FROM instances WHERE id = ?`, id).Scan(&body, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, placeflow.ErrInstanceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow instance: %w", err)
	}

	var inst placeflow.WorkflowInstance
	if err := json.Unmarshal([]byte(body), &inst); err != nil {
		return nil, fmt.Errorf("failed to decode workflow instance: %w", err)
	}
	inst.Revision = revision

	docs, err := s.queryDocuments(ctx, `SELECT body FROM documents WHERE instance_id = ?`, id)
	if err != nil {
		return nil, err
	}
	sortDocuments(docs)
	inst.Documents = docs

	return &inst, nil
}

func (s *SQLiteStore) Save(ctx context.Context, inst *placeflow.WorkflowInstance) error {
	body, err := encodeInstance(inst, inst.Revision+1)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if inst.Revision == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO instances (id, template_id, project_id, parent_id, revision, created_at, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			inst.ID, inst.TemplateID, inst.ProjectID, inst.ParentID, inst.Revision+1,
			inst.CreatedAt.UTC().Format(createdAtLayout), body,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE instances
			SET template_id = ?, project_id = ?, parent_id = ?, revision = ?, body = ?
			WHERE id = ? AND revision = ?`,
			inst.TemplateID, inst.ProjectID, inst.ParentID, inst.Revision+1, body,
			inst.ID, inst.Revision,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to save workflow instance: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return placeflow.NewStateConflictError(inst.ID, inst.Revision, s.storedRevision(ctx, tx, inst.ID))
	}

	for _, doc := range inst.Documents {
		docBody, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (id, instance_id, project_id, scope, ordering_key, version, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET body = excluded.body`,
			doc.ID, inst.ID, doc.ProjectID, string(doc.Scope), doc.OrderingIndex.Key(), doc.Version, string(docBody),
		)
		if err != nil {
			return fmt.Errorf("failed to save document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow instance: %w", err)
	}

	inst.Revision++
	return nil
}

func (s *SQLiteStore) QueryDocuments(ctx context.Context, criteria placeflow.DocumentCriteria, scope placeflow.OrderingScope) ([]placeflow.DocumentVersion, error) {
	docs, err := s.queryDocuments(ctx, `
		SELECT body FROM documents
		WHERE instance_id != ? AND (project_id = ? OR (? AND scope = ?))`,
		criteria.ExcludeInstanceID, criteria.ProjectID, criteria.IncludeGlobal, string(placeflow.ScopeGlobal),
	)
	if err != nil {
		return nil, err
	}
	return filterDocuments(docs, criteria, scope), nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter placeflow.InstanceFilter) ([]*placeflow.WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}

	query := `SELECT body, revision FROM instances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow instances: %w", err)
	}
	defer rows.Close()

	var insts []*placeflow.WorkflowInstance
	for rows.Next() {
		var body string
		var revision int64
		if err := rows.Scan(&body, &revision); err != nil {
			return nil, err
		}
		var inst placeflow.WorkflowInstance
		if err := json.Unmarshal([]byte(body), &inst); err != nil {
			return nil, fmt.Errorf("failed to decode workflow instance: %w", err)
		}
		inst.Revision = revision
		insts = append(insts, &inst)
	}
	return insts, rows.Err()
}

// AllocateRoot increments a single database-wide counter, so global
// documents of different projects stay comparable
func (s *SQLiteStore) AllocateRoot(ctx context.Context, projectID string) (ordering.Index, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES ('root', 1)
		ON CONFLICT (name) DO UPDATE SET value = value + 1
		RETURNING value`,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate root index: %w", err)
	}
	return ordering.Root(next), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("instance %s: %w", id, placeflow.ErrInstanceNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE instance_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, query string, args ...any) ([]placeflow.DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []placeflow.DocumentVersion
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var doc placeflow.DocumentVersion
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) storedRevision(ctx context.Context, tx *sql.Tx, id string) int64 {
	var revision int64
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM instances WHERE id = ?`, id).Scan(&revision); err != nil {
		return 0
	}
	return revision
}

// encodeInstance serializes the instance without its documents, which live
// in their own table
func encodeInstance(inst *placeflow.WorkflowInstance, revision int64) (string, error) {
	c := *inst
	c.Documents = nil
	c.Revision = revision
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow instance: %w", err)
	}
	return string(data), nil
}
