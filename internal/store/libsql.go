package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/cascadelab/cascade/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Sessions ---

const sessionColumns = `session_id, cascade_id, status, depth, heartbeat_at, heartbeat_lease_seconds,
 resumable, last_checkpoint_id, cancel_requested, cancel_reason, error_message, error_phase,
 created_at, cancelled_at`

func (s *LibSQLStore) CreateSession(ctx context.Context, sess *SessionState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.CascadeID, string(sess.Status), sess.Depth,
		timeOrNow(sess.HeartbeatAt), sess.HeartbeatLeaseSeconds,
		sess.Resumable, nullStr(sess.LastCheckpointID),
		sess.CancelRequested, nullStr(sess.CancelReason),
		nullStr(sess.ErrorMessage), nullStr(sess.ErrorPhase),
		timeOrNow(sess.CreatedAt), nullTime(sess.CancelledAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeAlreadyExists, "session %q already exists", sess.SessionID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*SessionState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", id)
	}
	return sess, err
}

func (s *LibSQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionState, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ActiveOnly {
		ph, vals := statusPlaceholders(schema.ActiveSessionStatuses)
		where = append(where, "status IN ("+ph+")")
		args = append(args, vals...)
	}
	if filter.CascadeID != "" {
		where = append(where, "cascade_id = ?")
		args = append(args, filter.CascadeID)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionState
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *LibSQLStore) TouchHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	ph, vals := statusPlaceholders(schema.ActiveSessionStatuses)
	args := append([]any{now, id, now}, vals...)
	// heartbeat_at only moves forward: a delayed or clock-skewed touch that
	// would rewind it is a no-op.
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET heartbeat_at = ?
		 WHERE session_id = ? AND heartbeat_at < ? AND status IN (`+ph+`)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Terminal and already-fresher sessions swallow heartbeats; only a
		// missing row errors.
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *LibSQLStore) RequestCancellation(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET cancel_requested = 1, cancel_reason = ? WHERE session_id = ?`,
		nullStr(reason), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

func (s *LibSQLStore) TransitionSession(ctx context.Context, id string, to schema.SessionStatus, from []schema.SessionStatus, upd SessionUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(to)}
	appendSessionUpdate(&sets, &args, upd)

	ph, vals := statusPlaceholders(from)
	args = append(args, id)
	args = append(args, vals...)

	query := fmt.Sprintf("UPDATE sessions SET %s WHERE session_id = ? AND status IN (%s)",
		strings.Join(sets, ", "), ph)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Optimistic write lost: distinguish a missing row from a
		// terminal-state race with one probe.
		cur, getErr := s.GetSession(ctx, id)
		if getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"session %q is %s, cannot transition to %s", id, cur.Status, to).
			WithDetails(map[string]any{"status": string(cur.Status)})
	}
	return nil
}

func (s *LibSQLStore) UpdateSessionMeta(ctx context.Context, id string, upd SessionUpdate) error {
	var sets []string
	var args []any
	appendSessionUpdate(&sets, &args, upd)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE sessions SET %s WHERE session_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

func appendSessionUpdate(sets *[]string, args *[]any, upd SessionUpdate) {
	if upd.ErrorMessage != nil {
		*sets = append(*sets, "error_message = ?")
		*args = append(*args, *upd.ErrorMessage)
	}
	if upd.ErrorPhase != nil {
		*sets = append(*sets, "error_phase = ?")
		*args = append(*args, *upd.ErrorPhase)
	}
	if upd.CancelReason != nil {
		*sets = append(*sets, "cancel_reason = ?")
		*args = append(*args, *upd.CancelReason)
	}
	if upd.CancelledAt != nil {
		*sets = append(*sets, "cancelled_at = ?")
		*args = append(*args, *upd.CancelledAt)
	}
	if upd.Resumable != nil {
		*sets = append(*sets, "resumable = ?")
		*args = append(*args, *upd.Resumable)
	}
	if upd.LastCheckpointID != nil {
		*sets = append(*sets, "last_checkpoint_id = ?")
		*args = append(*args, *upd.LastCheckpointID)
	}
	if upd.HeartbeatLeaseSeconds != nil {
		*sets = append(*sets, "heartbeat_lease_seconds = ?")
		*args = append(*args, *upd.HeartbeatLeaseSeconds)
	}
}

func scanSession(row interface{ Scan(...any) error }) (*SessionState, error) {
	sess := &SessionState{}
	var (
		status                       string
		lastCheckpoint, cancelReason sql.NullString
		errMsg, errPhase             sql.NullString
		cancelledAt                  sql.NullTime
	)
	err := row.Scan(&sess.SessionID, &sess.CascadeID, &status, &sess.Depth,
		&sess.HeartbeatAt, &sess.HeartbeatLeaseSeconds,
		&sess.Resumable, &lastCheckpoint, &sess.CancelRequested, &cancelReason,
		&errMsg, &errPhase, &sess.CreatedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	sess.Status = schema.SessionStatus(status)
	sess.LastCheckpointID = lastCheckpoint.String
	sess.CancelReason = cancelReason.String
	sess.ErrorMessage = errMsg.String
	sess.ErrorPhase = errPhase.String
	if cancelledAt.Valid {
		sess.CancelledAt = &cancelledAt.Time
	}
	return sess, nil
}

// --- Signals ---

const signalColumns = `signal_id, signal_name, status, session_id, cascade_id, cell_name,
 payload, source, timeout_at, metadata, created_at`

func (s *LibSQLStore) CreateSignal(ctx context.Context, sig *Signal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (`+signalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.SignalID, sig.SignalName, string(sig.Status),
		nullStr(sig.SessionID), nullStr(sig.CascadeID), nullStr(sig.CellName),
		nullRaw(sig.Payload), nullStr(sig.Source), sig.TimeoutAt,
		nullRaw(sig.Metadata), timeOrNow(sig.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeAlreadyExists, "signal %q already exists", sig.SignalID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE signal_id = ?`, id)
	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("signal", id)
	}
	return sig, err
}

func (s *LibSQLStore) ListSignals(ctx context.Context, filter SignalFilter) ([]*Signal, error) {
	var where []string
	var args []any

	if filter.SignalName != "" {
		where = append(where, "signal_name = ?")
		args = append(args, filter.SignalName)
	}
	if filter.CascadeID != "" {
		where = append(where, "cascade_id = ?")
		args = append(args, filter.CascadeID)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + signalColumns + ` FROM signals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

func (s *LibSQLStore) FireSignals(ctx context.Context, name string, payload json.RawMessage, source, sessionID string) (int, error) {
	query := `UPDATE signals SET status = ?, payload = ?, source = ?
	          WHERE signal_name = ? AND status = ?`
	args := []any{string(schema.SignalStatusFired), nullRaw(payload), nullStr(source),
		name, string(schema.SignalStatusWaiting)}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *LibSQLStore) FinishSignal(ctx context.Context, id string, to schema.SignalStatus, fin SignalFinish) error {
	sets := []string{"status = ?"}
	args := []any{string(to)}
	if len(fin.Payload) > 0 {
		sets = append(sets, "payload = ?")
		args = append(args, string(fin.Payload))
	}
	if fin.Source != "" {
		sets = append(sets, "source = ?")
		args = append(args, fin.Source)
	}
	if len(fin.Metadata) > 0 {
		sets = append(sets, "metadata = ?")
		args = append(args, string(fin.Metadata))
	}
	args = append(args, id, string(schema.SignalStatusWaiting))

	query := fmt.Sprintf("UPDATE signals SET %s WHERE signal_id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, getErr := s.GetSignal(ctx, id)
		if getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"signal %q is %s, not waiting", id, cur.Status).
			WithDetails(map[string]any{"status": string(cur.Status)})
	}
	return nil
}

func scanSignal(row interface{ Scan(...any) error }) (*Signal, error) {
	sig := &Signal{}
	var (
		status                     string
		sessionID, cascadeID, cell sql.NullString
		payload, source, metadata  sql.NullString
	)
	err := row.Scan(&sig.SignalID, &sig.SignalName, &status, &sessionID, &cascadeID, &cell,
		&payload, &source, &sig.TimeoutAt, &metadata, &sig.CreatedAt)
	if err != nil {
		return nil, err
	}
	sig.Status = schema.SignalStatus(status)
	sig.SessionID = sessionID.String
	sig.CascadeID = cascadeID.String
	sig.CellName = cell.String
	sig.Payload = rawOrNil(payload)
	sig.Source = source.String
	sig.Metadata = rawOrNil(metadata)
	return sig, nil
}

// --- Checkpoints ---

const checkpointColumns = `id, session_id, cascade_id, phase_name, checkpoint_type, status,
 created_at, timeout_at, responded_at, ui_spec, phase_output, sounding_outputs, sounding_metadata,
 response, response_reasoning, response_confidence, winner_index, rankings, ratings, cancel_reason`

func (s *LibSQLStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, nullStr(cp.CascadeID), nullStr(cp.PhaseName),
		nullStr(cp.CheckpointType), string(cp.Status),
		timeOrNow(cp.CreatedAt), nullTime(cp.TimeoutAt), nullTime(cp.RespondedAt),
		nullRaw(cp.UISpec), nullRaw(cp.PhaseOutput),
		nullRaw(cp.SoundingOutputs), nullRaw(cp.SoundingMetadata),
		nullRaw(cp.Response), nullStr(cp.ResponseReasoning),
		nullFloat(cp.ResponseConfidence), nullInt(cp.WinnerIndex),
		nullRaw(cp.Rankings), nullRaw(cp.Ratings), nullStr(cp.CancelReason),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeAlreadyExists, "checkpoint %q already exists", cp.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", id)
	}
	return cp, err
}

func (s *LibSQLStore) ListCheckpoints(ctx context.Context, filter CheckpointFilter) ([]*Checkpoint, error) {
	var where []string
	var args []any

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.CascadeID != "" {
		where = append(where, "cascade_id = ?")
		args = append(args, filter.CascadeID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

func (s *LibSQLStore) RespondCheckpoint(ctx context.Context, id string, resp *CheckpointResponse) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, response = ?, response_reasoning = ?,
		 response_confidence = ?, winner_index = ?, rankings = ?, ratings = ?, responded_at = ?
		 WHERE id = ? AND status = ?`,
		string(schema.CheckpointStatusResponded), string(resp.Response),
		nullStr(resp.Reasoning), nullFloat(resp.Confidence), nullInt(resp.WinnerIndex),
		nullRaw(resp.Rankings), nullRaw(resp.Ratings), time.Now().UTC(),
		id, string(schema.CheckpointStatusPending),
	)
	if err != nil {
		return err
	}
	return s.checkCheckpointTransition(ctx, res, id)
}

func (s *LibSQLStore) CancelCheckpoint(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, cancel_reason = ? WHERE id = ? AND status = ?`,
		string(schema.CheckpointStatusCancelled), nullStr(reason),
		id, string(schema.CheckpointStatusPending),
	)
	if err != nil {
		return err
	}
	return s.checkCheckpointTransition(ctx, res, id)
}

func (s *LibSQLStore) TimeoutCheckpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ? WHERE id = ? AND status = ?`,
		string(schema.CheckpointStatusTimeout), id, string(schema.CheckpointStatusPending),
	)
	if err != nil {
		return err
	}
	return s.checkCheckpointTransition(ctx, res, id)
}

func (s *LibSQLStore) checkCheckpointTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, getErr := s.GetCheckpoint(ctx, id)
		if getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"checkpoint %q is %s, not pending", id, cur.Status).
			WithDetails(map[string]any{"status": string(cur.Status)})
	}
	return nil
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var (
		status                          string
		cascadeID, phase, cpType        sql.NullString
		timeoutAt, respondedAt          sql.NullTime
		uiSpec, phaseOutput             sql.NullString
		soundingOut, soundingMeta       sql.NullString
		response, reasoning             sql.NullString
		confidence                      sql.NullFloat64
		winnerIndex                     sql.NullInt64
		rankings, ratings, cancelReason sql.NullString
	)
	err := row.Scan(&cp.ID, &cp.SessionID, &cascadeID, &phase, &cpType, &status,
		&cp.CreatedAt, &timeoutAt, &respondedAt, &uiSpec, &phaseOutput,
		&soundingOut, &soundingMeta, &response, &reasoning, &confidence,
		&winnerIndex, &rankings, &ratings, &cancelReason)
	if err != nil {
		return nil, err
	}
	cp.Status = schema.CheckpointStatus(status)
	cp.CascadeID = cascadeID.String
	cp.PhaseName = phase.String
	cp.CheckpointType = cpType.String
	cp.UISpec = rawOrNil(uiSpec)
	cp.PhaseOutput = rawOrNil(phaseOutput)
	cp.SoundingOutputs = rawOrNil(soundingOut)
	cp.SoundingMetadata = rawOrNil(soundingMeta)
	cp.Response = rawOrNil(response)
	cp.ResponseReasoning = reasoning.String
	cp.Rankings = rawOrNil(rankings)
	cp.Ratings = rawOrNil(ratings)
	cp.CancelReason = cancelReason.String
	if timeoutAt.Valid {
		cp.TimeoutAt = &timeoutAt.Time
	}
	if respondedAt.Valid {
		cp.RespondedAt = &respondedAt.Time
	}
	if confidence.Valid {
		cp.ResponseConfidence = &confidence.Float64
	}
	if winnerIndex.Valid {
		idx := int(winnerIndex.Int64)
		cp.WinnerIndex = &idx
	}
	return cp, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CascadeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func statusPlaceholders[T ~string](statuses []T) (string, []any) {
	ph := make([]string, len(statuses))
	vals := make([]any, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		vals[i] = string(st)
	}
	return strings.Join(ph, ","), vals
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
