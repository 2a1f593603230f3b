package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftwatch/driftwatch/internal/logger"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// Store defines the interface for task, ledger, and plan buffer persistence
type Store interface {
	// Task management
	CreateTask(task *Task) error
	GetTask(id string) (*Task, error)
	PendingTasks() ([]*Task, error)
	RecentTasks(projectPath string, limit int) ([]*Task, error)
	SearchTasks(query string, limit int) ([]*Task, error)
	MarkSyncing(ids []string) error
	MarkSynced(id, matchID string) error
	MarkSyncError(id, message string) error
	ResetErrored() (int64, error)
	PruneSynced(olderThan time.Duration) (int64, error)

	// Sync ledger: at-most-once upload markers per (source, composer, turn)
	CheckAndMarkSynced(source, composerID, turnID, fingerprint string) (bool, error)
	Fingerprint(source, composerID, turnID string) (string, bool, error)
	UpdateFingerprint(source, composerID, turnID, fingerprint string) error
	PruneLedger(source string, present []string) (int64, error)

	// Plan buffer
	BufferPlanTurn(composerID, turnID, payload string) error
	PendingPlanTurns(composerID string) ([]*PlanEntry, error)
	StalePlanTurns(idle time.Duration, excludeComposerID string) ([]*PlanEntry, error)
	MarkPlanSynced(id int64) error
	ClearPlanBuffer(composerID string) error

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-backed task store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, ".driftwatch", "tasks.db")
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug().
		Str("path", dbPath).
		Msg("Opened task store")

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_path TEXT,
		original_query TEXT,
		goal TEXT,
		summary TEXT,
		reasoning_trace TEXT,
		decisions TEXT,
		files_touched TEXT,
		constraints TEXT,
		tags TEXT,
		status TEXT,
		sync_status TEXT NOT NULL,
		match_id TEXT,
		sync_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		composer_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		fingerprint TEXT,
		synced_at INTEGER NOT NULL,
		UNIQUE(source, composer_id, turn_id)
	);

	CREATE TABLE IF NOT EXISTS plan_buffer (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		composer_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		payload TEXT,
		created_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_sync_status ON tasks(sync_status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_plan_buffer_composer ON plan_buffer(composer_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateTask stores a new task in pending sync state. A missing ID is
// assigned.
func (s *SQLiteStore) CreateTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.SyncStatus == "" {
		task.SyncStatus = SyncPending
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	reasoning, err := marshalList(task.ReasoningTrace)
	if err != nil {
		return fmt.Errorf("failed to marshal reasoning trace: %w", err)
	}
	decisions, err := marshalList(task.Decisions)
	if err != nil {
		return fmt.Errorf("failed to marshal decisions: %w", err)
	}
	files, err := marshalList(task.FilesTouched)
	if err != nil {
		return fmt.Errorf("failed to marshal files: %w", err)
	}
	constraints, err := marshalList(task.Constraints)
	if err != nil {
		return fmt.Errorf("failed to marshal constraints: %w", err)
	}
	tags, err := marshalList(task.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (id, project_path, original_query, goal, summary, reasoning_trace,
			decisions, files_touched, constraints, tags, status, sync_status, match_id, sync_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectPath, task.OriginalQuery, task.Goal, task.Summary, reasoning,
		decisions, files, constraints, tags, task.Status, string(task.SyncStatus),
		task.MatchID, task.SyncError, task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

const taskColumns = `id, project_path, original_query, goal, summary, reasoning_trace,
	decisions, files_touched, constraints, tags, status, sync_status, match_id, sync_error, created_at, updated_at`

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var syncStatus string
	var projectPath, originalQuery, goal, summary, status, matchID, syncError sql.NullString
	var reasoning, decisions, files, constraints, tags sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&task.ID, &projectPath, &originalQuery, &goal, &summary, &reasoning,
		&decisions, &files, &constraints, &tags, &status, &syncStatus,
		&matchID, &syncError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.ProjectPath = projectPath.String
	task.OriginalQuery = originalQuery.String
	task.Goal = goal.String
	task.Summary = summary.String
	task.Status = status.String
	task.SyncStatus = SyncStatus(syncStatus)
	task.MatchID = matchID.String
	task.SyncError = syncError.String
	task.CreatedAt = time.Unix(createdAt, 0)
	task.UpdatedAt = time.Unix(updatedAt, 0)
	task.ReasoningTrace = unmarshalList(reasoning)
	task.Decisions = unmarshalList(decisions)
	task.FilesTouched = unmarshalList(files)
	task.Constraints = unmarshalList(constraints)
	task.Tags = unmarshalList(tags)

	return &task, nil
}

// PendingTasks returns tasks awaiting upload, oldest first
func (s *SQLiteStore) PendingTasks() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+taskColumns+" FROM tasks WHERE sync_status = ? ORDER BY created_at ASC, id ASC",
		string(SyncPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// RecentTasks returns a project's most recent tasks, newest first
func (s *SQLiteStore) RecentTasks(projectPath string, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+taskColumns+" FROM tasks WHERE project_path = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		projectPath, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// SearchTasks returns tasks whose goal or summary mentions the query,
// newest first
func (s *SQLiteStore) SearchTasks(query string, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pattern := "%" + query + "%"
	rows, err := s.db.Query(
		"SELECT "+taskColumns+" FROM tasks WHERE goal LIKE ? OR summary LIKE ? OR original_query LIKE ? ORDER BY created_at DESC, id DESC LIMIT ?",
		pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// MarkSyncing transitions tasks to the syncing state. Idempotent: tasks
// already syncing (or in any other state) are left alone.
func (s *SQLiteStore) MarkSyncing(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, string(SyncSyncing), time.Now().Unix())
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.Exec(
		"UPDATE tasks SET sync_status = ?, updated_at = ? WHERE id IN ("+placeholders+") AND sync_status = '"+string(SyncPending)+"'",
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to mark tasks syncing: %w", err)
	}
	return nil
}

// MarkSynced records a successful upload, storing the server's memory id
func (s *SQLiteStore) MarkSynced(id, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE tasks SET sync_status = ?, match_id = ?, sync_error = '', updated_at = ? WHERE id = ?",
		string(SyncSynced), matchID, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task synced: %w", err)
	}
	return nil
}

// MarkSyncError records a failed upload. Errored tasks stay put until a
// resubmission resets them.
func (s *SQLiteStore) MarkSyncError(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE tasks SET sync_status = ?, sync_error = ?, updated_at = ? WHERE id = ?",
		string(SyncError), message, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task errored: %w", err)
	}
	return nil
}

// ResetErrored moves errored tasks back to pending for resubmission
func (s *SQLiteStore) ResetErrored() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE tasks SET sync_status = ?, sync_error = '', updated_at = ? WHERE sync_status = ?",
		string(SyncPending), time.Now().Unix(), string(SyncError),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset errored tasks: %w", err)
	}

	reset, _ := result.RowsAffected()
	return reset, nil
}

// PruneSynced removes synced tasks older than the given age
func (s *SQLiteStore) PruneSynced(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := s.db.Exec(
		"DELETE FROM tasks WHERE sync_status = ? AND updated_at < ?",
		string(SyncSynced), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced tasks: %w", err)
	}

	pruned, _ := result.RowsAffected()
	if pruned > 0 {
		logger.Debug().
			Int64("pruned", pruned).
			Msg("Pruned synced tasks")
	}

	return pruned, nil
}

// CheckAndMarkSynced atomically claims the (source, composer, turn) upload
// slot. Returns true when this call claimed it, false when a previous
// invocation already did. The marker is written before any network call so
// concurrent invocations cannot double-upload.
func (s *SQLiteStore) CheckAndMarkSynced(source, composerID, turnID, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO sync_ledger (source, composer_id, turn_id, fingerprint, synced_at)
		 VALUES (?, ?, ?, ?, ?)`,
		source, composerID, turnID, fingerprint, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to write sync marker: %w", err)
	}

	inserted, _ := result.RowsAffected()
	return inserted > 0, nil
}

// Fingerprint returns the stored content fingerprint for a ledger entry
func (s *SQLiteStore) Fingerprint(source, composerID, turnID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fingerprint sql.NullString
	err := s.db.QueryRow(
		"SELECT fingerprint FROM sync_ledger WHERE source = ? AND composer_id = ? AND turn_id = ?",
		source, composerID, turnID,
	).Scan(&fingerprint)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read fingerprint: %w", err)
	}

	return fingerprint.String, true, nil
}

// UpdateFingerprint refreshes the stored fingerprint after an update upload
func (s *SQLiteStore) UpdateFingerprint(source, composerID, turnID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sync_ledger SET fingerprint = ?, synced_at = ? WHERE source = ? AND composer_id = ? AND turn_id = ?",
		fingerprint, time.Now().Unix(), source, composerID, turnID,
	)
	if err != nil {
		return fmt.Errorf("failed to update fingerprint: %w", err)
	}
	return nil
}

// PruneLedger drops ledger entries for a source whose composer is no longer
// present. Returns the number of entries removed.
func (s *SQLiteStore) PruneLedger(source string, present []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(present))
	for _, id := range present {
		keep[id] = true
	}

	rows, err := s.db.Query("SELECT DISTINCT composer_id FROM sync_ledger WHERE source = ?", source)
	if err != nil {
		return 0, fmt.Errorf("failed to list ledger composers: %w", err)
	}

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan ledger composer: %w", err)
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("failed to read ledger composers: %w", err)
	}
	_ = rows.Close()

	var pruned int64
	for _, id := range stale {
		result, err := s.db.Exec("DELETE FROM sync_ledger WHERE source = ? AND composer_id = ?", source, id)
		if err != nil {
			return pruned, fmt.Errorf("failed to prune ledger: %w", err)
		}
		n, _ := result.RowsAffected()
		pruned += n
	}

	return pruned, nil
}

// BufferPlanTurn accumulates a plan-mode turn for later flushing
func (s *SQLiteStore) BufferPlanTurn(composerID, turnID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO plan_buffer (composer_id, turn_id, payload, created_at) VALUES (?, ?, ?, ?)",
		composerID, turnID, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to buffer plan turn: %w", err)
	}
	return nil
}

// PendingPlanTurns returns a composer's unsynced plan turns in buffer order
func (s *SQLiteStore) PendingPlanTurns(composerID string) ([]*PlanEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, composer_id, turn_id, payload, created_at, synced FROM plan_buffer WHERE composer_id = ? AND synced = 0 ORDER BY id ASC",
		composerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanPlanEntries(rows)
}

// StalePlanTurns returns unsynced plan turns older than the idle window,
// excluding the given composer. Used to flush buffers abandoned by other
// composers.
func (s *SQLiteStore) StalePlanTurns(idle time.Duration, excludeComposerID string) ([]*PlanEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-idle).Unix()
	rows, err := s.db.Query(
		"SELECT id, composer_id, turn_id, payload, created_at, synced FROM plan_buffer WHERE synced = 0 AND composer_id != ? AND created_at < ? ORDER BY id ASC",
		excludeComposerID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale plan turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanPlanEntries(rows)
}

func scanPlanEntries(rows *sql.Rows) ([]*PlanEntry, error) {
	var entries []*PlanEntry
	for rows.Next() {
		var entry PlanEntry
		var payload sql.NullString
		var createdAt int64
		var synced int

		if err := rows.Scan(&entry.ID, &entry.ComposerID, &entry.TurnID, &payload, &createdAt, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan plan entry: %w", err)
		}
		entry.Payload = payload.String
		entry.CreatedAt = time.Unix(createdAt, 0)
		entry.Synced = synced != 0
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// MarkPlanSynced flags one buffered plan turn as uploaded
func (s *SQLiteStore) MarkPlanSynced(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE plan_buffer SET synced = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark plan turn synced: %w", err)
	}
	return nil
}

// ClearPlanBuffer removes a composer's buffered plan turns
func (s *SQLiteStore) ClearPlanBuffer(composerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM plan_buffer WHERE composer_id = ?", composerID)
	if err != nil {
		return fmt.Errorf("failed to clear plan buffer: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalList(values []string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	out, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func unmarshalList(column sql.NullString) []string {
	if !column.Valid || column.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(column.String), &values); err != nil {
		logger.Debug().Err(err).Msg("Failed to unmarshal string list")
		return nil
	}
	return values
}
