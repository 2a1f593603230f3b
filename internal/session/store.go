package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftwatch/driftwatch/internal/action"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/logger"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// Store defines the interface for session/step/drift persistence
type Store interface {
	// Session management
	GetOrCreateSession(sessionID, projectPath, parentSessionID, mode string) (*Session, error)
	GetSession(sessionID string) (*Session, error)
	ListSessions() ([]*Session, error)
	CompleteSession(sessionID string) error
	DeleteSession(sessionID string) error
	AddTokens(sessionID string, tokens int) error
	ClearRecoveryPlan(sessionID string) error

	// Drift bookkeeping
	UpdateSessionDrift(sessionID string, update DriftUpdate) (*Session, error)
	InsertDriftLog(entry *DriftLogEntry) error
	ListDriftLog(sessionID string) ([]*DriftLogEntry, error)

	// Step management
	InsertStep(step *Step) error
	RecentSteps(sessionID string, limit int) ([]*Step, error)
	BackfillReasoning(sessionID, reasoning string, lookback int) (int64, error)

	// Cleanup
	MarkAbandonedStale(window time.Duration) (int64, error)
	PurgeExpired(retention time.Duration) (int64, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-backed session store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, ".driftwatch", "sessions.db")
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
		Msg("Opened session store")

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		project_path TEXT,
		status TEXT NOT NULL,
		mode TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		escalation_count INTEGER NOT NULL DEFAULT 0,
		last_drift_score REAL NOT NULL DEFAULT 0,
		pending_recovery_plan TEXT,
		drift_history TEXT,
		drift_warnings TEXT,
		parent_session_id TEXT,
		waiting_for_recovery INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_update INTEGER NOT NULL,
		last_checked_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		files TEXT,
		folders TEXT,
		command TEXT,
		reasoning TEXT,
		drift_score REAL,
		drift_type TEXT,
		is_key_decision INTEGER NOT NULL DEFAULT 0,
		is_validated INTEGER NOT NULL DEFAULT 0,
		correction_given TEXT,
		correction_level TEXT,
		keywords TEXT,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id)
	);

	CREATE TABLE IF NOT EXISTS drift_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		action_type TEXT,
		files TEXT,
		folders TEXT,
		command TEXT,
		reasoning TEXT,
		drift_score REAL NOT NULL DEFAULT 0,
		drift_type TEXT,
		correction_given TEXT,
		correction_level TEXT,
		recovery_plan TEXT,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, completed_at);
	CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_drift_log_session ON drift_log(session_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetOrCreateSession retrieves an existing active session or creates a new
// one. An existing active session only has its last_update refreshed. A
// terminal session never resumes: a conversation that reuses a finished
// identity gets a fresh session row chained to the old one via
// parent_session_id.
func (s *SQLiteStore) GetOrCreateSession(sessionID, projectPath, parentSessionID, mode string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()

	session, err := s.getSessionLocked(sessionID)
	if err == nil {
		if session.Status == StatusActive {
			return s.refreshSessionLocked(session, now)
		}
		return s.resumeSessionLocked(session, projectPath, parentSessionID, mode, now)
	}

	return s.createSessionLocked(sessionID, projectPath, parentSessionID, mode, now)
}

func (s *SQLiteStore) refreshSessionLocked(session *Session, now int64) (*Session, error) {
	_, err := s.db.Exec(
		"UPDATE sessions SET last_update = ? WHERE session_id = ?",
		now, session.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	session.LastUpdate = time.Unix(now, 0)
	return session, nil
}

// resumeSessionLocked resolves a terminal identity to its live continuation,
// creating one when none exists yet. Repeated resumption walks the -rN chain
// so each finished row stays terminal.
func (s *SQLiteStore) resumeSessionLocked(prev *Session, projectPath, parentSessionID, mode string, now int64) (*Session, error) {
	if parentSessionID == "" {
		parentSessionID = prev.SessionID
	}
	if projectPath == "" {
		projectPath = prev.ProjectPath
	}

	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-r%d", prev.SessionID, n)
		existing, err := s.getSessionLocked(candidate)
		if err != nil {
			return s.createSessionLocked(candidate, projectPath, parentSessionID, mode, now)
		}
		if existing.Status == StatusActive {
			return s.refreshSessionLocked(existing, now)
		}
	}
}

func (s *SQLiteStore) createSessionLocked(sessionID, projectPath, parentSessionID, mode string, now int64) (*Session, error) {
	if mode == "" {
		mode = ModeAgent
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, project_path, status, mode, parent_session_id, created_at, last_update, last_checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, projectPath, string(StatusActive), mode, parentSessionID, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &Session{
		SessionID:       sessionID,
		ProjectPath:     projectPath,
		Status:          StatusActive,
		Mode:            mode,
		ParentSessionID: parentSessionID,
		CreatedAt:       time.Unix(now, 0),
		LastUpdate:      time.Unix(now, 0),
		LastCheckedAt:   time.Unix(now, 0),
	}, nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSessionLocked(sessionID)
}

const sessionColumns = `session_id, project_path, status, mode, token_count, escalation_count,
	last_drift_score, pending_recovery_plan, drift_history, drift_warnings,
	parent_session_id, waiting_for_recovery, created_at, last_update, last_checked_at, completed_at`

func (s *SQLiteStore) getSessionLocked(sessionID string) (*Session, error) {
	row := s.db.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?",
		sessionID,
	)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var status string
	var projectPath, plan, history, warnings, parentID sql.NullString
	var waiting int
	var createdAt, lastUpdate, lastCheckedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&session.SessionID, &projectPath, &status, &session.Mode,
		&session.TokenCount, &session.EscalationCount, &session.LastDriftScore,
		&plan, &history, &warnings, &parentID, &waiting,
		&createdAt, &lastUpdate, &lastCheckedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = Status(status)
	session.ProjectPath = projectPath.String
	session.ParentSessionID = parentID.String
	session.WaitingForRecovery = waiting != 0
	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastUpdate = time.Unix(lastUpdate, 0)
	session.LastCheckedAt = time.Unix(lastCheckedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		session.CompletedAt = &t
	}

	if plan.Valid && plan.String != "" {
		if err := json.Unmarshal([]byte(plan.String), &session.PendingRecoveryPlan); err != nil {
			logger.Debug().Err(err).Msg("Failed to unmarshal recovery plan")
		}
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &session.DriftHistory); err != nil {
			logger.Debug().Err(err).Msg("Failed to unmarshal drift history")
		}
	}
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &session.DriftWarnings); err != nil {
			logger.Debug().Err(err).Msg("Failed to unmarshal drift warnings")
		}
	}

	return &session, nil
}

// ListSessions returns all sessions ordered by last_update
func (s *SQLiteStore) ListSessions() ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT " + sessionColumns + " FROM sessions ORDER BY last_update DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// CompleteSession marks an active session completed. Terminal sessions are
// left untouched.
func (s *SQLiteStore) CompleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(
		`UPDATE sessions SET status = ?, completed_at = ?, last_update = ?
		 WHERE session_id = ? AND status = ?`,
		string(StatusCompleted), now, now, sessionID, string(StatusActive),
	)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("no active session to complete: %s", sessionID)
	}

	return nil
}

// AddTokens adds to a session's running token count
func (s *SQLiteStore) AddTokens(sessionID string, tokens int) error {
	if tokens <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sessions SET token_count = token_count + ?, last_update = ? WHERE session_id = ?",
		tokens, time.Now().Unix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to add tokens: %w", err)
	}
	return nil
}

// ClearRecoveryPlan drops the pending plan once an external consumer acted
// on it.
func (s *SQLiteStore) ClearRecoveryPlan(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sessions SET pending_recovery_plan = NULL, waiting_for_recovery = 0 WHERE session_id = ?",
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear recovery plan: %w", err)
	}
	return nil
}

// InsertStep stores a captured action. A missing ID or timestamp is filled
// in.
func (s *SQLiteStore) InsertStep(step *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}

	files, err := marshalStrings(step.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal files: %w", err)
	}
	folders, err := marshalStrings(step.Folders)
	if err != nil {
		return fmt.Errorf("failed to marshal folders: %w", err)
	}
	keywords, err := marshalStrings(step.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO steps (id, session_id, action_type, files, folders, command, reasoning,
			drift_score, drift_type, is_key_decision, is_validated, correction_given, correction_level, keywords, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.SessionID, string(step.ActionType), files, folders, step.Command, step.Reasoning,
		step.DriftScore, step.DriftType, boolInt(step.IsKeyDecision), boolInt(step.IsValidated),
		step.CorrectionGiven, step.CorrectionLevel, keywords, step.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}

	return nil
}

// RecentSteps retrieves the most recent steps for a session in chronological
// order. Timestamps have second granularity; rowid breaks same-second ties in
// insertion order.
func (s *SQLiteStore) RecentSteps(sessionID string, limit int) ([]*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, action_type, files, folders, command, reasoning,
			drift_score, drift_type, is_key_decision, is_validated, correction_given, correction_level, keywords, timestamp
		 FROM steps
		 WHERE session_id = ?
		 ORDER BY timestamp DESC, rowid DESC
		 LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	steps, err := scanSteps(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}

	return steps, nil
}

func scanSteps(rows *sql.Rows) ([]*Step, error) {
	var steps []*Step

	for rows.Next() {
		var step Step
		var actionType string
		var files, folders, command, reasoning, driftType, correctionGiven, correctionLevel, keywords sql.NullString
		var driftScore sql.NullFloat64
		var keyDecision, validated int
		var timestamp int64

		if err := rows.Scan(
			&step.ID, &step.SessionID, &actionType, &files, &folders, &command, &reasoning,
			&driftScore, &driftType, &keyDecision, &validated, &correctionGiven, &correctionLevel, &keywords, &timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		step.ActionType = action.Type(actionType)
		step.Command = command.String
		step.Reasoning = reasoning.String
		step.DriftType = driftType.String
		step.CorrectionGiven = correctionGiven.String
		step.CorrectionLevel = correctionLevel.String
		step.IsKeyDecision = keyDecision != 0
		step.IsValidated = validated != 0
		step.Timestamp = time.Unix(timestamp, 0)
		if driftScore.Valid {
			v := driftScore.Float64
			step.DriftScore = &v
		}
		step.Files = unmarshalStrings(files)
		step.Folders = unmarshalStrings(folders)
		step.Keywords = unmarshalStrings(keywords)

		steps = append(steps, &step)
	}

	return steps, rows.Err()
}

// BackfillReasoning attaches end-of-turn reasoning to the most recent steps
// that have none, bounded by lookback. Returns the number of steps updated.
func (s *SQLiteStore) BackfillReasoning(sessionID, reasoning string, lookback int) (int64, error) {
	if reasoning == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE steps SET reasoning = ? WHERE id IN (
			SELECT id FROM steps
			WHERE session_id = ? AND (reasoning IS NULL OR reasoning = '')
			ORDER BY timestamp DESC, rowid DESC
			LIMIT ?
		)`,
		reasoning, sessionID, lookback,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to backfill reasoning: %w", err)
	}

	updated, _ := result.RowsAffected()
	return updated, nil
}

// InsertDriftLog appends a drift audit record
func (s *SQLiteStore) InsertDriftLog(entry *DriftLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	files, err := marshalStrings(entry.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal files: %w", err)
	}
	folders, err := marshalStrings(entry.Folders)
	if err != nil {
		return fmt.Errorf("failed to marshal folders: %w", err)
	}

	var plan []byte
	if entry.RecoveryPlan != nil {
		plan, err = json.Marshal(entry.RecoveryPlan)
		if err != nil {
			return fmt.Errorf("failed to marshal recovery plan: %w", err)
		}
	}

	result, err := s.db.Exec(
		`INSERT INTO drift_log (session_id, action_type, files, folders, command, reasoning,
			drift_score, drift_type, correction_given, correction_level, recovery_plan, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, string(entry.ActionType), files, folders, entry.Command, entry.Reasoning,
		entry.DriftScore, entry.DriftType, entry.CorrectionGiven, entry.CorrectionLevel,
		nullableString(plan), entry.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert drift log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		entry.ID = id
	}

	return nil
}

// ListDriftLog returns a session's drift audit records in append order
func (s *SQLiteStore) ListDriftLog(sessionID string) ([]*DriftLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, action_type, files, folders, command, reasoning,
			drift_score, drift_type, correction_given, correction_level, recovery_plan, timestamp
		 FROM drift_log
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*DriftLogEntry
	for rows.Next() {
		var entry DriftLogEntry
		var actionType, files, folders, command, reasoning, driftType, correctionGiven, correctionLevel, plan sql.NullString
		var timestamp int64

		if err := rows.Scan(
			&entry.ID, &entry.SessionID, &actionType, &files, &folders, &command, &reasoning,
			&entry.DriftScore, &driftType, &correctionGiven, &correctionLevel, &plan, &timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan drift log entry: %w", err)
		}

		entry.ActionType = action.Type(actionType.String)
		entry.Command = command.String
		entry.Reasoning = reasoning.String
		entry.DriftType = driftType.String
		entry.CorrectionGiven = correctionGiven.String
		entry.CorrectionLevel = correctionLevel.String
		entry.Timestamp = time.Unix(timestamp, 0)
		entry.Files = unmarshalStrings(files)
		entry.Folders = unmarshalStrings(folders)
		if plan.Valid && plan.String != "" {
			if err := json.Unmarshal([]byte(plan.String), &entry.RecoveryPlan); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal recovery plan")
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	out, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func unmarshalStrings(column sql.NullString) []string {
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

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// MaybeRunCleanup runs the staleness and retention sweeps with the
// configured probability, in the background
func MaybeRunCleanup(store Store, settings config.StoreSettings) {
	if rand.Float64() > settings.CleanupProbability {
		return
	}

	window, err := time.ParseDuration(settings.StalenessWindow)
	if err != nil {
		window = time.Hour
	}
	retention, err := time.ParseDuration(settings.RetentionTTL)
	if err != nil {
		retention = 24 * time.Hour
	}

	go func() {
		if _, err := store.MarkAbandonedStale(window); err != nil {
			logger.Debug().Err(err).Msg("Failed to sweep stale sessions")
		}
		if _, err := store.PurgeExpired(retention); err != nil {
			logger.Debug().Err(err).Msg("Failed to purge expired sessions")
		}
	}()
}
