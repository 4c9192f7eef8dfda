package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/phase"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors when turns for different
	// sessions run in parallel.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	if sess.Phase == "" {
		sess.Phase = phase.Idle
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_user_id, name, phase, pending_action_id, in_meta_event, in_combat, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerUserID, sess.Name, string(sess.Phase), sess.PendingActionID,
		boolToInt(sess.InMetaEvent), boolToInt(sess.InCombat), sess.Version, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess := &models.Session{}
	var ph string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, name, phase, pending_action_id, in_meta_event, in_combat, version, created_at, updated_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.OwnerUserID, &sess.Name, &ph, &sess.PendingActionID, &sess.InMetaEvent, &sess.InCombat, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Phase = phase.Phase(ph)
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, ownerUserID string) ([]*models.Session, error) {
	query := `SELECT id, owner_user_id, name, phase, pending_action_id, in_meta_event, in_combat, version, created_at, updated_at
		FROM sessions`
	args := []any{}
	if ownerUserID != "" {
		query += " WHERE owner_user_id = ?"
		args = append(args, ownerUserID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		var ph string
		if err := rows.Scan(&sess.ID, &sess.OwnerUserID, &sess.Name, &ph, &sess.PendingActionID, &sess.InMetaEvent, &sess.InCombat, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Phase = phase.Phase(ph)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSessionState(ctx context.Context, sess *models.Session) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET phase = ?, pending_action_id = ?, in_meta_event = ?, in_combat = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(sess.Phase), sess.PendingActionID, boolToInt(sess.InMetaEvent), boolToInt(sess.InCombat), now,
		sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	sess.Version++
	sess.UpdatedAt = now
	return nil
}

// --- Pending actions ---

func (s *SQLiteStore) CreatePendingAction(ctx context.Context, a *models.PendingAction) error {
	if a.ID == "" {
		a.ID = newULID()
	}
	if a.Phase == "" {
		a.Phase = phase.Validating
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_actions (id, session_id, original_input, time_estimate, phase, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.OriginalInput, a.TimeEstimate, string(a.Phase), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create pending action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPendingAction(ctx context.Context, id string) (*models.PendingAction, error) {
	a := &models.PendingAction{}
	var ph string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, original_input, time_estimate, phase, created_at, closed_at
		FROM pending_actions WHERE id = ?`, id,
	).Scan(&a.ID, &a.SessionID, &a.OriginalInput, &a.TimeEstimate, &ph, &a.CreatedAt, &a.ClosedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pending action not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pending action: %w", err)
	}
	a.Phase = phase.Phase(ph)
	return a, nil
}

func (s *SQLiteStore) SetActionEstimate(ctx context.Context, id, estimate string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET time_estimate = ? WHERE id = ?`, estimate, id)
	if err != nil {
		return fmt.Errorf("set action estimate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetActionPhase(ctx context.Context, id string, p phase.Phase) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET phase = ? WHERE id = ?`, string(p), id)
	if err != nil {
		return fmt.Errorf("set action phase: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CloseAction(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET closed_at = ? WHERE id = ? AND closed_at IS NULL`, now, id)
	if err != nil {
		return fmt.Errorf("close action: %w", err)
	}
	return nil
}

// --- Meta events ---

func (s *SQLiteStore) CreateMetaEvents(ctx context.Context, events []*models.MetaEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range events {
		if e.ID == "" {
			e.ID = newULID()
		}
		e.CreatedAt = now
		_, err := tx.ExecContext(ctx,
			`INSERT INTO meta_events (id, pending_action_id, sequence_num, type, title, description, probability, severity, triggers_combat, player_decision, triggered, resolved, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.PendingActionID, e.SequenceNum, string(e.Type), e.Title, e.Description,
			e.Probability, string(e.Severity), boolToInt(e.TriggersCombat), string(e.PlayerDecision),
			boolToInt(e.Triggered), boolToInt(e.Resolved), e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("create meta event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit meta events: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanMetaEvent(row interface{ Scan(...any) error }) (*models.MetaEvent, error) {
	e := &models.MetaEvent{}
	var typ, sev, dec string
	err := row.Scan(&e.ID, &e.PendingActionID, &e.SequenceNum, &typ, &e.Title, &e.Description,
		&e.Probability, &sev, &e.TriggersCombat, &dec, &e.Triggered, &e.Resolved, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = models.EventType(typ)
	e.Severity = models.EventSeverity(sev)
	e.PlayerDecision = models.EventDecision(dec)
	return e, nil
}

const metaEventColumns = `id, pending_action_id, sequence_num, type, title, description, probability, severity, triggers_combat, player_decision, triggered, resolved, created_at`

func (s *SQLiteStore) ListMetaEvents(ctx context.Context, pendingActionID string) ([]*models.MetaEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+metaEventColumns+` FROM meta_events WHERE pending_action_id = ? ORDER BY sequence_num`,
		pendingActionID)
	if err != nil {
		return nil, fmt.Errorf("list meta events: %w", err)
	}
	defer rows.Close()

	var events []*models.MetaEvent
	for rows.Next() {
		e, err := s.scanMetaEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meta event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) GetMetaEvent(ctx context.Context, id string) (*models.MetaEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+metaEventColumns+` FROM meta_events WHERE id = ?`, id)
	e, err := s.scanMetaEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("meta event not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get meta event: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) SetEventDecision(ctx context.Context, id string, d models.EventDecision) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meta_events SET player_decision = ? WHERE id = ?`, string(d), id)
	if err != nil {
		return fmt.Errorf("set event decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("meta event not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) SetEventTriggered(ctx context.Context, id string, triggered bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE meta_events SET triggered = ? WHERE id = ?`, boolToInt(triggered), id)
	if err != nil {
		return fmt.Errorf("set event triggered: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetEventResolved(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE meta_events SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("set event resolved: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMetaEvents(ctx context.Context, pendingActionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM meta_events WHERE pending_action_id = ?`, pendingActionID)
	if err != nil {
		return fmt.Errorf("delete meta events: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountUndecidedEvents(ctx context.Context, pendingActionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM meta_events WHERE pending_action_id = ? AND player_decision = ''`,
		pendingActionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count undecided events: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ListRecentEventTitles(ctx context.Context, sessionID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.title FROM meta_events e
		JOIN pending_actions a ON a.id = e.pending_action_id
		WHERE a.session_id = ? AND e.triggered = 1
		ORDER BY e.created_at DESC, e.sequence_num DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent event titles: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("scan event title: %w", err)
		}
		titles = append(titles, title)
	}
	return titles, rows.Err()
}

// --- Turns ---

func (s *SQLiteStore) CreateTurn(ctx context.Context, t *models.Turn) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	if t.Status == "" {
		t.Status = models.TurnStatusRunning
	}
	t.StartedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, user_id, pending_action_id, status, step, narrative, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.UserID, t.PendingActionID, string(t.Status), t.Step, t.Narrative, t.Error, t.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	t := &models.Turn{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, pending_action_id, status, step, narrative, error, started_at, ended_at
		FROM turns WHERE id = ?`, id,
	).Scan(&t.ID, &t.SessionID, &t.UserID, &t.PendingActionID, &status, &t.Step, &t.Narrative, &t.Error, &t.StartedAt, &t.EndedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("turn not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	t.Status = models.TurnStatus(status)
	return t, nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, filter TurnListFilter) ([]*models.Turn, error) {
	query := `SELECT id, session_id, user_id, pending_action_id, status, step, narrative, error, started_at, ended_at FROM turns`
	var conds []string
	var args []any
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		t := &models.Turn{}
		var status string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &t.PendingActionID, &status, &t.Step, &t.Narrative, &t.Error, &t.StartedAt, &t.EndedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Status = models.TurnStatus(status)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) SetTurnStep(ctx context.Context, id, step string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET step = ? WHERE id = ?`, step, id)
	if err != nil {
		return fmt.Errorf("set turn step: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishTurn(ctx context.Context, t *models.Turn) error {
	now := time.Now().UTC()
	if t.EndedAt == nil {
		t.EndedAt = &now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET status = ?, step = ?, narrative = ?, error = ?, ended_at = ? WHERE id = ?`,
		string(t.Status), t.Step, t.Narrative, t.Error, t.EndedAt, t.ID)
	if err != nil {
		return fmt.Errorf("finish turn: %w", err)
	}
	return nil
}
