package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/logging"
)

type migration struct {
	version int
	name    string
	sql     string
}

// The stage CHECK plus the primary key make an id in two stages, or in
// an unknown stage, unrepresentable at the storage layer. VerifyDisjoint
// still observes the invariant independently.
var migrations = []migration{
	{1, "create specifications", `
		CREATE TABLE IF NOT EXISTS specifications (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			stage        TEXT NOT NULL CHECK (stage IN ('backlog','in_scope','completed')),
			documents    TEXT NOT NULL DEFAULT 'null',
			created_at   TEXT NOT NULL,
			scoped_at    TEXT,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_specifications_stage ON specifications(stage);
	`},
}

// Store persists specifications as stage-tagged rows in sqlite. The
// last committed transaction is authoritative across restarts.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Open opens (creating if needed) the lifecycle database at cfg.Path
// and applies pending schema migrations. log may be nil.
func Open(cfg config.LifecycleConfig, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lifecycle directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening lifecycle store: %w", err)
	}
	// One connection serializes writers; moves never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating lifecycle store: %w", err)
	}

	log = log.Named("lifecycle")
	log.Info(context.Background(), "lifecycle store opened", zap.String("path", cfg.Path))
	return &Store{db: db, log: log}, nil
}

// migrate applies pending migrations in one transaction.
func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create stores a new specification in Backlog. A missing id gets a
// generated one; creating an id twice returns ErrExists.
func (s *Store) Create(ctx context.Context, spec Specification) (Specification, error) {
	if spec.Name == "" {
		return Specification{}, errors.New("specification name required")
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	spec.Stage = StageBacklog
	spec.CreatedAt = time.Now().UTC()
	spec.ScopedAt = time.Time{}
	spec.CompletedAt = time.Time{}

	docs, err := json.Marshal(spec.Documents)
	if err != nil {
		return Specification{}, fmt.Errorf("encoding documents: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO specifications(id,name,stage,documents,created_at) VALUES (?,?,?,?,?)`,
		spec.ID, spec.Name, string(spec.Stage), string(docs), spec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Specification{}, fmt.Errorf("inserting specification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Specification{}, err
	}
	if n == 0 {
		return Specification{}, fmt.Errorf("%w: %s", ErrExists, spec.ID)
	}
	return spec, nil
}

// Get returns the specification with the given id.
func (s *Store) Get(ctx context.Context, id string) (Specification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,name,stage,documents,created_at,scoped_at,completed_at FROM specifications WHERE id=?`, id)
	return scanSpecification(row)
}

// ByStage returns the specifications in one stage, oldest first.
func (s *Store) ByStage(ctx context.Context, stage Stage) ([]Specification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,name,stage,documents,created_at,scoped_at,completed_at FROM specifications WHERE stage=? ORDER BY created_at, id`,
		string(stage))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Specification
	for rows.Next() {
		spec, err := scanSpecification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, rows.Err()
}

// Stages returns the ids in each stage collection, oldest first.
func (s *Store) Stages(ctx context.Context) (map[Stage][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, stage FROM specifications ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Stage][]string{StageBacklog: {}, StageInScope: {}, StageCompleted: {}}
	for rows.Next() {
		var id, stage string
		if err := rows.Scan(&id, &stage); err != nil {
			return nil, err
		}
		out[Stage(stage)] = append(out[Stage(stage)], id)
	}
	return out, rows.Err()
}

// VerifyDisjoint confirms every id occupies exactly one stage and every
// stage is known. The schema already guarantees both; this observes the
// invariant instead of assuming it.
func (s *Store) VerifyDisjoint(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COUNT(DISTINCT stage) AS n FROM specifications GROUP BY id HAVING n > 1`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s occupies %d stages", ErrLifecycle, id, n)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var unknown int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM specifications WHERE stage NOT IN (?,?,?)`,
		string(StageBacklog), string(StageInScope), string(StageCompleted),
	).Scan(&unknown)
	if err != nil {
		return err
	}
	if unknown > 0 {
		return fmt.Errorf("%w: %d specifications in an unknown stage", ErrLifecycle, unknown)
	}
	return nil
}

// move flips the stage in one transaction, guarded on the source stage,
// stamping the transition time. A guard miss reports ErrLifecycle with
// the actual stage.
func (s *Store) move(ctx context.Context, id string, from, to Stage, at time.Time) error {
	var col string
	switch to {
	case StageInScope:
		col = "scoped_at"
	case StageCompleted:
		col = "completed_at"
	default:
		return fmt.Errorf("%w: cannot move into %s", ErrLifecycle, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE specifications SET stage=?, `+col+`=? WHERE id=? AND stage=?`,
		string(to), at.Format(time.RFC3339Nano), id, string(from))
	if err != nil {
		return fmt.Errorf("moving %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, gerr := s.stageOf(ctx, tx, id)
		if gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: %s is in %s, expected %s", ErrLifecycle, id, cur, from)
	}
	return tx.Commit()
}

// contains reports whether the stage collection holds the id.
func (s *Store) contains(ctx context.Context, id string, stage Stage) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM specifications WHERE id=? AND stage=?`, id, string(stage)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// stageCounts returns the population of each stage.
func (s *Store) stageCounts(ctx context.Context) (map[Stage]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM specifications GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Stage]int{StageBacklog: 0, StageInScope: 0, StageCompleted: 0}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		out[Stage(stage)] = n
	}
	return out, rows.Err()
}

func (s *Store) stageOf(ctx context.Context, tx *sql.Tx, id string) (Stage, error) {
	var stage string
	err := tx.QueryRowContext(ctx, `SELECT stage FROM specifications WHERE id=?`, id).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	return Stage(stage), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSpecification(row scanner) (Specification, error) {
	var spec Specification
	var stage, docs, createdAt string
	var scopedAt, completedAt sql.NullString

	err := row.Scan(&spec.ID, &spec.Name, &stage, &docs, &createdAt, &scopedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Specification{}, ErrNotFound
	}
	if err != nil {
		return Specification{}, err
	}

	spec.Stage = Stage(stage)
	if err := json.Unmarshal([]byte(docs), &spec.Documents); err != nil {
		return Specification{}, fmt.Errorf("decoding documents for %s: %w", spec.ID, err)
	}
	if spec.CreatedAt, err = parseTime(createdAt); err != nil {
		return Specification{}, err
	}
	if scopedAt.Valid {
		if spec.ScopedAt, err = parseTime(scopedAt.String); err != nil {
			return Specification{}, err
		}
	}
	if completedAt.Valid {
		if spec.CompletedAt, err = parseTime(completedAt.String); err != nil {
			return Specification{}, err
		}
	}
	return spec, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t, nil
}
