package statehistory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// CatalogEntry describes one state history known to the catalog.
type CatalogEntry struct {
	ID              string
	Trace           string
	Path            string
	Kind            BackendKind
	ProviderVersion int
	BlockSize       int
	StartTime       int64
	EndTime         int64
	Complete        bool
	CreatedAt       time.Time
}

// Catalog records the state histories built on this machine in a SQLite
// database, so finished histories can be reused instead of rebuilt.
type Catalog struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool

	insertStmt   *sql.Stmt
	completeStmt *sql.Stmt
	lookupStmt   *sql.Stmt
	getStmt      *sql.Stmt
	deleteStmt   *sql.Stmt
}

const catalogColumns = `id, trace, path, kind, provider_version, block_size, start_time, end_time, complete, created_at`

// OpenCatalog opens or creates the catalog database at cfg.Path.
func OpenCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Path == "" {
		return nil, errors.New("catalog path is required")
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	if err := c.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare catalog statements: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS histories (
			id TEXT PRIMARY KEY,
			trace TEXT NOT NULL,
			path TEXT NOT NULL,
			kind TEXT NOT NULL,
			provider_version INTEGER NOT NULL,
			block_size INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			complete INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_histories_trace_kind ON histories(trace, kind);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (c *Catalog) prepareStatements() error {
	var err error
	c.insertStmt, err = c.db.Prepare(`
		INSERT INTO histories (` + catalogColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	c.completeStmt, err = c.db.Prepare(`UPDATE histories SET complete = 1, end_time = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare complete statement: %w", err)
	}
	c.lookupStmt, err = c.db.Prepare(`
		SELECT ` + catalogColumns + ` FROM histories
		WHERE trace = ? AND kind = ?
		ORDER BY complete DESC, created_at DESC
		LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare lookup statement: %w", err)
	}
	c.getStmt, err = c.db.Prepare(`SELECT ` + catalogColumns + ` FROM histories WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}
	c.deleteStmt, err = c.db.Prepare(`DELETE FROM histories WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	return nil
}

func (c *Catalog) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("catalog is closed")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (CatalogEntry, error) {
	var (
		e        CatalogEntry
		kind     string
		complete int
		created  int64
	)
	err := row.Scan(&e.ID, &e.Trace, &e.Path, &kind, &e.ProviderVersion, &e.BlockSize,
		&e.StartTime, &e.EndTime, &complete, &created)
	if err != nil {
		return CatalogEntry{}, err
	}
	e.Kind = BackendKind(kind)
	e.Complete = complete != 0
	e.CreatedAt = time.Unix(0, created)
	return e, nil
}

// Register records a new history. An empty ID is replaced by a fresh UUID.
func (c *Catalog) Register(ctx context.Context, e CatalogEntry) (CatalogEntry, error) {
	if err := c.checkOpen(); err != nil {
		return CatalogEntry{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	complete := 0
	if e.Complete {
		complete = 1
	}
	_, err := c.insertStmt.ExecContext(ctx, e.ID, e.Trace, e.Path, string(e.Kind), e.ProviderVersion,
		e.BlockSize, e.StartTime, e.EndTime, complete, e.CreatedAt.UnixNano())
	if err != nil {
		return CatalogEntry{}, fmt.Errorf("failed to register history: %w", err)
	}
	return e, nil
}

// MarkComplete records that history id finished building at end.
func (c *Catalog) MarkComplete(ctx context.Context, id string, end int64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	res, err := c.completeStmt.ExecContext(ctx, end, id)
	if err != nil {
		return fmt.Errorf("failed to mark history complete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("history %s: %w", id, ErrHistoryNotFound)
	}
	return nil
}

// Lookup returns the most recent history of trace with the given kind,
// complete histories first.
func (c *Catalog) Lookup(ctx context.Context, trace string, kind BackendKind) (CatalogEntry, error) {
	if err := c.checkOpen(); err != nil {
		return CatalogEntry{}, err
	}
	e, err := scanEntry(c.lookupStmt.QueryRowContext(ctx, trace, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return CatalogEntry{}, fmt.Errorf("trace %q (%s): %w", trace, kind, ErrHistoryNotFound)
	}
	if err != nil {
		return CatalogEntry{}, fmt.Errorf("failed to look up history: %w", err)
	}
	return e, nil
}

// Get returns the history with the given id.
func (c *Catalog) Get(ctx context.Context, id string) (CatalogEntry, error) {
	if err := c.checkOpen(); err != nil {
		return CatalogEntry{}, err
	}
	e, err := scanEntry(c.getStmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CatalogEntry{}, fmt.Errorf("history %s: %w", id, ErrHistoryNotFound)
	}
	if err != nil {
		return CatalogEntry{}, fmt.Errorf("failed to get history: %w", err)
	}
	return e, nil
}

// List returns every history, oldest first.
func (c *Catalog) List(ctx context.Context) ([]CatalogEntry, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `SELECT `+catalogColumns+` FROM histories ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list histories: %w", err)
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Remove deletes the history with the given id from the catalog. The history
// file itself is left alone.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.deleteStmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to remove history: %w", err)
	}
	return nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, stmt := range []*sql.Stmt{c.insertStmt, c.completeStmt, c.lookupStmt, c.getStmt, c.deleteStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return c.db.Close()
}
