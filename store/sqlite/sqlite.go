/*
Package sqlite provides a SQLite-backed implementation of the engine stores.

PURPOSE:
  Implements every persistence interface of the engine (EventStore,
  MilestoneStore, SubscriptionStore, AuditLog) on SQLite. The same
  statements port to PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  engine.EventStore:        Scored events, verifications, assessments
  engine.MilestoneStore:    One row per (user, milestone type)
  engine.SubscriptionStore: One live record per user
  engine.AuditLog:          Transition history

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on events, event_verifications,
    assessments or audit_log
  - Verification is an INSERT into event_verifications, joined on read

KEY TABLES:
  events:              Immutable scored actions
  event_verifications: One row per verified event (the one-way flip)
  assessments:         Immutable assessment submissions
  milestones:          UNIQUE(user_id, milestone_type), status changed only
                       by compare-and-swap (UPDATE ... WHERE status = ?)
  subscriptions:       Primary key user_id
  audit_log:           Append-only transition entries

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so that string order is
  chronological order.

CONCURRENCY:
  No process-wide lock. database/sql pools connections and each write is
  a single statement or transaction, so SQLite itself keeps it atomic:
  INSERT OR IGNORE for idempotent appends, UPDATE ... WHERE status = ?
  for milestone compare-and-swap. WAL lets readers run beside the writer
  and _busy_timeout absorbs writer contention. Per-user ordering of
  subscription transitions comes from the engine's KeyedMutex.

USAGE:
  store, err := sqlite.New("./data/progression.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng, err := engine.New(store.Stores())

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/engine"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all engine storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stores returns s wired into every slot of engine.Stores.
func (s *Store) Stores() engine.Stores {
	return engine.Stores{Events: s, Milestones: s, Subscriptions: s, Audit: s}
}

func (s *Store) migrate() error {
	schema := `
	-- Scored events (append-only)
	CREATE TABLE IF NOT EXISTS events (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		category TEXT NOT NULL,
		base_points INTEGER NOT NULL CHECK (base_points >= 0),
		impact_multiplier TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (user_id, id)
	);

	-- Hot path: history replay in order
	CREATE INDEX IF NOT EXISTS idx_events_user_occurred
		ON events(user_id, occurred_at, recorded_at, id);

	-- Verification facts (insert once, never updated)
	CREATE TABLE IF NOT EXISTS event_verifications (
		user_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		verified_at TEXT NOT NULL,
		PRIMARY KEY (user_id, event_id),
		FOREIGN KEY (user_id, event_id) REFERENCES events(user_id, id)
	);

	-- Assessments (append-only)
	CREATE TABLE IF NOT EXISTS assessments (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		taken_at TEXT NOT NULL,
		scores_json TEXT NOT NULL,
		overall_score TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (user_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_assessments_user_taken
		ON assessments(user_id, taken_at);

	-- Milestones: at most one row per (user, type), never deleted
	CREATE TABLE IF NOT EXISTS milestones (
		user_id TEXT NOT NULL,
		milestone_type TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		expired_at TEXT,
		metadata_json TEXT,
		UNIQUE (user_id, milestone_type)
	);

	CREATE INDEX IF NOT EXISTS idx_milestones_status
		ON milestones(status);

	-- Subscriptions: one live record per user
	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		trial_end_at TEXT,
		current_period_end TEXT,
		cancel_at TEXT,
		past_due_since TEXT,
		updated_at TEXT NOT NULL
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_user_time
		ON audit_log(user_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (engine.EventStore interface)
// =============================================================================

// AppendEvent inserts the event and, when it arrives verified, its
// verification fact in one transaction.
func (s *Store) AppendEvent(ctx context.Context, e engine.ScoredEvent) (engine.EventID, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, storageErr("begin append event", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
		(user_id, id, category, base_points, impact_multiplier, occurred_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.UserID,
		e.ID,
		e.Category,
		e.BasePoints,
		e.ImpactMultiplier.String(),
		formatTime(e.OccurredAt),
		formatTime(e.RecordedAt),
	)
	if err != nil {
		return "", false, storageErr("append event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return e.ID, false, nil
	}

	if e.Verified {
		at := e.RecordedAt
		if e.VerifiedAt != nil {
			at = *e.VerifiedAt
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO event_verifications (user_id, event_id, verified_at) VALUES (?, ?, ?)",
			e.UserID, e.ID, formatTime(at)); err != nil {
			return "", false, storageErr("append verification", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, storageErr("commit append event", err)
	}
	return e.ID, true, nil
}

// Events reads the matching rows when ranged over. Rows are fully read
// before the first yield so the caller may use the store while iterating.
func (s *Store) Events(ctx context.Context, userID engine.UserID, since time.Time) iter.Seq2[engine.ScoredEvent, error] {
	return func(yield func(engine.ScoredEvent, error) bool) {
		events, err := s.loadEvents(ctx, userID, since)
		if err != nil {
			yield(engine.ScoredEvent{}, err)
			return
		}
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) loadEvents(ctx context.Context, userID engine.UserID, since time.Time) ([]engine.ScoredEvent, error) {
	query := `
		SELECT e.id, e.user_id, e.category, e.base_points, e.impact_multiplier,
		       e.occurred_at, e.recorded_at, v.verified_at
		FROM events e
		LEFT JOIN event_verifications v ON v.user_id = e.user_id AND v.event_id = e.id
		WHERE e.user_id = ? AND e.occurred_at >= ?
		ORDER BY e.occurred_at ASC, e.recorded_at ASC, e.id ASC
	`
	from := ""
	if !since.IsZero() {
		from = formatTime(since)
	}
	rows, err := s.db.QueryContext(ctx, query, userID, from)
	if err != nil {
		return nil, storageErr("query events", err)
	}
	defer rows.Close()

	var events []engine.ScoredEvent
	for rows.Next() {
		var (
			e                      engine.ScoredEvent
			multiplier             string
			occurredAt, recordedAt string
			verifiedAt             sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Category, &e.BasePoints, &multiplier,
			&occurredAt, &recordedAt, &verifiedAt); err != nil {
			return nil, storageErr("scan event", err)
		}
		if e.ImpactMultiplier, err = decimal.NewFromString(multiplier); err != nil {
			return nil, storageErr("parse multiplier", err)
		}
		e.OccurredAt = parseTime(occurredAt)
		e.RecordedAt = parseTime(recordedAt)
		if verifiedAt.Valid {
			at := parseTime(verifiedAt.String)
			e.Verified = true
			e.VerifiedAt = &at
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate events", err)
	}
	return events, nil
}

func (s *Store) MarkVerified(ctx context.Context, userID engine.UserID, id engine.EventID, at time.Time) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE user_id = ? AND id = ?", userID, id).Scan(&exists)
	if err != nil {
		return false, storageErr("lookup event", err)
	}
	if exists == 0 {
		return false, engine.ErrEventNotFound
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO event_verifications (user_id, event_id, verified_at) VALUES (?, ?, ?)",
		userID, id, formatTime(at))
	if err != nil {
		return false, storageErr("mark verified", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) AppendAssessment(ctx context.Context, a engine.AssessmentRecord) (engine.AssessmentID, bool, error) {
	scoresJSON, err := json.Marshal(a.Scores)
	if err != nil {
		return "", false, fmt.Errorf("encode scores: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO assessments
		(user_id, id, kind, taken_at, scores_json, overall_score, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		a.UserID,
		a.ID,
		a.Kind,
		formatTime(a.TakenAt),
		string(scoresJSON),
		a.OverallScore.String(),
		formatTime(a.RecordedAt),
	)
	if err != nil {
		return "", false, storageErr("append assessment", err)
	}
	n, _ := res.RowsAffected()
	return a.ID, n > 0, nil
}

func (s *Store) Assessments(ctx context.Context, userID engine.UserID) iter.Seq2[engine.AssessmentRecord, error] {
	return func(yield func(engine.AssessmentRecord, error) bool) {
		records, err := s.loadAssessments(ctx, userID)
		if err != nil {
			yield(engine.AssessmentRecord{}, err)
			return
		}
		for _, a := range records {
			if !yield(a, nil) {
				return
			}
		}
	}
}

func (s *Store) loadAssessments(ctx context.Context, userID engine.UserID) ([]engine.AssessmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, taken_at, scores_json, overall_score, recorded_at
		FROM assessments
		WHERE user_id = ?
		ORDER BY taken_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, storageErr("query assessments", err)
	}
	defer rows.Close()

	var records []engine.AssessmentRecord
	for rows.Next() {
		var (
			a                            engine.AssessmentRecord
			takenAt, recordedAt, overall string
			scoresJSON                   string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Kind, &takenAt, &scoresJSON, &overall, &recordedAt); err != nil {
			return nil, storageErr("scan assessment", err)
		}
		if err := json.Unmarshal([]byte(scoresJSON), &a.Scores); err != nil {
			return nil, storageErr("decode scores", err)
		}
		if a.OverallScore, err = decimal.NewFromString(overall); err != nil {
			return nil, storageErr("parse overall score", err)
		}
		a.TakenAt = parseTime(takenAt)
		a.RecordedAt = parseTime(recordedAt)
		records = append(records, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate assessments", err)
	}
	return records, nil
}

// =============================================================================
// MILESTONE STORE (engine.MilestoneStore interface)
// =============================================================================

const milestoneColumns = `user_id, milestone_type, status, created_at, completed_at, expired_at, metadata_json`

func (s *Store) CreateMilestone(ctx context.Context, m engine.Milestone) (engine.Milestone, bool, error) {
	metadataJSON, err := encodeMap(m.Metadata)
	if err != nil {
		return engine.Milestone{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO milestones (`+milestoneColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		m.UserID,
		m.Type,
		m.Status,
		formatTime(m.CreatedAt),
		nullTime(m.CompletedAt),
		nullTime(m.ExpiredAt),
		metadataJSON,
	)
	if err != nil {
		return engine.Milestone{}, false, storageErr("create milestone", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return m, true, nil
	}

	existing, found, err := s.getMilestone(ctx, m.UserID, m.Type)
	if err != nil {
		return engine.Milestone{}, false, err
	}
	if !found {
		return engine.Milestone{}, false, storageErr("create milestone", errors.New("row ignored but not found"))
	}
	return existing, false, nil
}

func (s *Store) GetMilestone(ctx context.Context, userID engine.UserID, typ engine.MilestoneType) (engine.Milestone, bool, error) {
	return s.getMilestone(ctx, userID, typ)
}

func (s *Store) getMilestone(ctx context.Context, userID engine.UserID, typ engine.MilestoneType) (engine.Milestone, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+milestoneColumns+" FROM milestones WHERE user_id = ? AND milestone_type = ?",
		userID, typ)
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Milestone{}, false, nil
	}
	if err != nil {
		return engine.Milestone{}, false, err
	}
	return m, true, nil
}

// CompareAndSwapMilestone updates the row only while its status still equals from.
func (s *Store) CompareAndSwapMilestone(ctx context.Context, from engine.MilestoneStatus, next engine.Milestone) (bool, error) {
	metadataJSON, err := encodeMap(next.Metadata)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE milestones
		SET status = ?, completed_at = ?, expired_at = ?, metadata_json = ?
		WHERE user_id = ? AND milestone_type = ? AND status = ?
	`,
		next.Status,
		nullTime(next.CompletedAt),
		nullTime(next.ExpiredAt),
		metadataJSON,
		next.UserID,
		next.Type,
		from,
	)
	if err != nil {
		return false, storageErr("swap milestone", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("swap milestone", err)
	}
	return n == 1, nil
}

func (s *Store) ListMilestones(ctx context.Context, userID engine.UserID) ([]engine.Milestone, error) {
	return s.queryMilestones(ctx,
		"SELECT "+milestoneColumns+" FROM milestones WHERE user_id = ? ORDER BY created_at ASC",
		userID)
}

func (s *Store) PendingMilestones(ctx context.Context) ([]engine.Milestone, error) {
	return s.queryMilestones(ctx,
		"SELECT "+milestoneColumns+" FROM milestones WHERE status = ? ORDER BY created_at ASC",
		engine.MilestonePending)
}

func (s *Store) queryMilestones(ctx context.Context, query string, args ...any) ([]engine.Milestone, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query milestones", err)
	}
	defer rows.Close()

	var out []engine.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate milestones", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMilestone(row scanner) (engine.Milestone, error) {
	var (
		m                      engine.Milestone
		createdAt              string
		completedAt, expiredAt sql.NullString
		metadataJSON           sql.NullString
	)
	err := row.Scan(&m.UserID, &m.Type, &m.Status, &createdAt, &completedAt, &expiredAt, &metadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Milestone{}, err
	}
	if err != nil {
		return engine.Milestone{}, storageErr("scan milestone", err)
	}
	m.CreatedAt = parseTime(createdAt)
	m.CompletedAt = parseNullTime(completedAt)
	m.ExpiredAt = parseNullTime(expiredAt)
	if m.Metadata, err = decodeMap(metadataJSON); err != nil {
		return engine.Milestone{}, err
	}
	return m, nil
}

// =============================================================================
// SUBSCRIPTION STORE (engine.SubscriptionStore interface)
// =============================================================================

func (s *Store) GetSubscription(ctx context.Context, userID engine.UserID) (engine.SubscriptionState, bool, error) {
	var (
		state                                       engine.SubscriptionState
		trialEnd, periodEnd, cancelAt, pastDueSince sql.NullString
		updatedAt                                   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, status, trial_end_at, current_period_end, cancel_at, past_due_since, updated_at
		FROM subscriptions WHERE user_id = ?
	`, userID).Scan(&state.UserID, &state.Status, &trialEnd, &periodEnd, &cancelAt, &pastDueSince, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.SubscriptionState{}, false, nil
	}
	if err != nil {
		return engine.SubscriptionState{}, false, storageErr("get subscription", err)
	}
	state.TrialEndAt = parseNullTime(trialEnd)
	state.CurrentPeriodEnd = parseNullTime(periodEnd)
	state.CancelAt = parseNullTime(cancelAt)
	state.PastDueSince = parseNullTime(pastDueSince)
	state.UpdatedAt = parseTime(updatedAt)
	return state, true, nil
}

func (s *Store) PutSubscription(ctx context.Context, state engine.SubscriptionState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions
		(user_id, status, trial_end_at, current_period_end, cancel_at, past_due_since, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			trial_end_at = excluded.trial_end_at,
			current_period_end = excluded.current_period_end,
			cancel_at = excluded.cancel_at,
			past_due_since = excluded.past_due_since,
			updated_at = excluded.updated_at
	`,
		state.UserID,
		state.Status,
		nullTime(state.TrialEndAt),
		nullTime(state.CurrentPeriodEnd),
		nullTime(state.CancelAt),
		nullTime(state.PastDueSince),
		formatTime(state.UpdatedAt),
	)
	if err != nil {
		return storageErr("put subscription", err)
	}
	return nil
}

// =============================================================================
// AUDIT LOG (engine.AuditLog interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry engine.AuditEntry) error {
	payloadJSON, err := encodeMap(entry.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, user_id, action, subject, from_state, to_state, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		formatTime(entry.Timestamp),
		entry.UserID,
		entry.Action,
		entry.Subject,
		nullString(entry.From),
		nullString(entry.To),
		payloadJSON,
	)
	if err != nil {
		return storageErr("append audit", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			placeholders[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(*filter.To))
	}

	query := "SELECT id, timestamp, user_id, action, subject, from_state, to_state, payload_json FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query audit", err)
	}
	defer rows.Close()

	var out []engine.AuditEntry
	for rows.Next() {
		var (
			e           engine.AuditEntry
			ts          string
			from, to    sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.UserID, &e.Action, &e.Subject, &from, &to, &payloadJSON); err != nil {
			return nil, storageErr("scan audit", err)
		}
		e.Timestamp = parseTime(ts)
		e.From = from.String
		e.To = to.String
		if e.Payload, err = decodeMap(payloadJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate audit", err)
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func storageErr(op string, err error) error {
	return &engine.StorageError{Op: op, Err: err}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMap(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, storageErr("decode metadata", err)
	}
	return m, nil
}
