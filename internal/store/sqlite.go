package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/assignment-service/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are stored
// as unix milliseconds so range comparisons stay numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// A single writer connection serializes commits, which is what makes the
	// conditional update race-free on SQLite.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS firms (
	id                      TEXT PRIMARY KEY,
	auto_assignment_enabled INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS firm_members (
	firm_id                TEXT NOT NULL REFERENCES firms(id),
	ca_id                  TEXT NOT NULL,
	role                   TEXT NOT NULL,
	can_work_independently INTEGER NOT NULL DEFAULT 0,
	specializations        TEXT NOT NULL DEFAULT '[]',
	verification_status    TEXT NOT NULL DEFAULT 'PENDING',
	active                 INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (firm_id, ca_id)
);

CREATE TABLE IF NOT EXISTS availability_slots (
	id        TEXT PRIMARY KEY,
	ca_id     TEXT NOT NULL,
	starts_at INTEGER NOT NULL,
	ends_at   INTEGER NOT NULL,
	booked    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS service_requests (
	id                    TEXT PRIMARY KEY,
	firm_id               TEXT REFERENCES firms(id),
	client_id             TEXT NOT NULL,
	service_type          TEXT NOT NULL,
	status                TEXT NOT NULL DEFAULT 'UNASSIGNED',
	ca_id                 TEXT,
	assignment_method     TEXT,
	auto_assignment_score INTEGER,
	assigned_by_user_id   TEXT,
	assignment_reason     TEXT,
	assigned_at           INTEGER,
	client_rating         REAL,
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assignment_history (
	id             TEXT PRIMARY KEY,
	request_id     TEXT NOT NULL REFERENCES service_requests(id),
	ca_id          TEXT NOT NULL,
	previous_ca_id TEXT,
	method         TEXT NOT NULL,
	score          INTEGER,
	assigned_by    TEXT,
	reason         TEXT,
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assignment_events (
	id              TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL,
	kind            TEXT NOT NULL,
	payload         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_error      TEXT,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_slots_ca_starts ON availability_slots(ca_id, starts_at);
CREATE INDEX IF NOT EXISTS idx_requests_ca_status ON service_requests(ca_id, status);
CREATE INDEX IF NOT EXISTS idx_requests_ca_client ON service_requests(ca_id, client_id);
CREATE INDEX IF NOT EXISTS idx_history_request ON assignment_history(request_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_status_due ON assignment_events(status, next_attempt_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Requests ---

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *model.ServiceRequest) error {
	now := time.Now().UTC()
	if req.ID == "" {
		req.ID = newID()
	}
	if req.Status == "" {
		req.Status = model.RequestStatusUnassigned
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = req.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO service_requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, nullable(req.FirmID), req.ClientID, req.ServiceType, string(req.Status),
		nullable(req.CAID), nullable(string(req.AssignmentMethod)), req.AutoAssignmentScore,
		nullable(req.AssignedByUserID), nullable(req.AssignmentReason), millisPtr(req.AssignedAt), req.ClientRating,
		toMillis(req.CreatedAt), toMillis(req.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert request %s", req.ID)
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.ServiceRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM service_requests WHERE id = ?`, id)

	var r model.ServiceRequest
	var firmID, caID, method, by, reason sql.NullString
	var score sql.NullInt64
	var assignedAt sql.NullInt64
	var rating sql.NullFloat64
	var created, updated int64
	err := row.Scan(&r.ID, &firmID, &r.ClientID, &r.ServiceType, &r.Status, &caID, &method,
		&score, &by, &reason, &assignedAt, &rating, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: request %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get request %s", id)
	}

	r.FirmID, r.CAID = firmID.String, caID.String
	r.AssignmentMethod = model.AssignmentMethod(method.String)
	r.AssignedByUserID, r.AssignmentReason = by.String, reason.String
	if score.Valid {
		v := int(score.Int64)
		r.AutoAssignmentScore = &v
	}
	if assignedAt.Valid {
		t := fromMillis(assignedAt.Int64)
		r.AssignedAt = &t
	}
	if rating.Valid {
		r.ClientRating = &rating.Float64
	}
	r.CreatedAt, r.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &r, nil
}

func (s *SQLiteStore) CommitAssignment(ctx context.Context, c model.AssignmentCommit, evt *model.AssignmentEvent) (bool, error) {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin commit")
	}
	defer tx.Rollback() //nolint:errcheck

	at := toMillis(c.At)
	res, err := tx.ExecContext(ctx,
		`UPDATE service_requests SET
			ca_id = ?, assignment_method = ?, auto_assignment_score = ?,
			assigned_by_user_id = ?, assignment_reason = ?,
			status = CASE WHEN status = 'UNASSIGNED' THEN 'ACCEPTED' ELSE status END,
			assigned_at = ?, updated_at = ?
		 WHERE id = ? AND COALESCE(ca_id, '') = ? AND status NOT IN ('COMPLETED', 'CANCELLED')`,
		c.CAID, string(c.Method), c.Score, nullable(c.AdminID), nullable(c.Reason),
		at, at, c.RequestID, c.ExpectedCAID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: commit assignment %s", c.RequestID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	} else if n != 1 {
		return false, nil
	}

	h := historyFor(c)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assignment_history
		 (id, request_id, ca_id, previous_ca_id, method, score, assigned_by, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.RequestID, h.CAID, nullable(h.PreviousCAID), string(h.Method),
		h.Score, nullable(h.AssignedBy), nullable(h.Reason), toMillis(h.CreatedAt),
	); err != nil {
		return false, eris.Wrapf(err, "sqlite: insert history %s", c.RequestID)
	}

	// Events are scheduled on the wall clock the relay claims with, not on
	// the commit time the caller supplied.
	if evt != nil {
		if err := insertEventSQLite(ctx, tx, evt, time.Now().UTC()); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrapf(err, "sqlite: commit tx %s", c.RequestID)
	}
	return true, nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, requestID string) ([]model.AssignmentHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, ca_id, previous_ca_id, method, score, assigned_by, reason, created_at
		 FROM assignment_history WHERE request_id = ? ORDER BY created_at, rowid`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list history %s", requestID)
	}
	defer rows.Close()

	var out []model.AssignmentHistory
	for rows.Next() {
		var h model.AssignmentHistory
		var prev, by, reason sql.NullString
		var score sql.NullInt64
		var created int64
		if err := rows.Scan(&h.ID, &h.RequestID, &h.CAID, &prev, &h.Method, &score, &by, &reason, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		h.PreviousCAID, h.AssignedBy, h.Reason = prev.String, by.String, reason.String
		if score.Valid {
			v := int(score.Int64)
			h.Score = &v
		}
		h.CreatedAt = fromMillis(created)
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list history iterate")
}

// --- Directory ---

func (s *SQLiteStore) UpsertFirms(ctx context.Context, firms []model.FirmConfig) error {
	return s.inTx(ctx, "upsert firms", func(tx *sql.Tx) error {
		for _, f := range firms {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO firms (id, auto_assignment_enabled) VALUES (?, ?)
				 ON CONFLICT (id) DO UPDATE SET auto_assignment_enabled = excluded.auto_assignment_enabled`,
				f.FirmID, f.AutoAssignmentEnabled,
			); err != nil {
				return eris.Wrapf(err, "firm %s", f.FirmID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) UpsertMembers(ctx context.Context, members []model.Member) error {
	return s.inTx(ctx, "upsert members", func(tx *sql.Tx) error {
		for _, m := range members {
			specs, err := json.Marshal(specializationsOrEmpty(m.Specializations))
			if err != nil {
				return eris.Wrap(err, "marshal specializations")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO firm_members
				 (firm_id, ca_id, role, can_work_independently, specializations, verification_status, active)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (firm_id, ca_id) DO UPDATE SET
				   role = excluded.role,
				   can_work_independently = excluded.can_work_independently,
				   specializations = excluded.specializations,
				   verification_status = excluded.verification_status,
				   active = excluded.active`,
				m.FirmID, m.CAID, string(m.Role), m.CanWorkIndependently,
				string(specs), string(m.VerificationStatus), m.Active,
			); err != nil {
				return eris.Wrapf(err, "member %s/%s", m.FirmID, m.CAID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ActiveMembers(ctx context.Context, firmID string) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT firm_id, ca_id, role, can_work_independently, specializations, verification_status
		 FROM firm_members WHERE firm_id = ? AND active = 1 ORDER BY ca_id`,
		firmID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: active members of %s", firmID)
	}
	defer rows.Close()

	var out []model.Member
	for rows.Next() {
		var m model.Member
		var specs string
		if err := rows.Scan(&m.FirmID, &m.CAID, &m.Role, &m.CanWorkIndependently, &specs, &m.VerificationStatus); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan member")
		}
		if err := json.Unmarshal([]byte(specs), &m.Specializations); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal specializations of %s", m.CAID)
		}
		m.Active = true
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: active members iterate")
}

func (s *SQLiteStore) FirmConfig(ctx context.Context, firmID string) (*model.FirmConfig, error) {
	var fc model.FirmConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT id, auto_assignment_enabled FROM firms WHERE id = ?`, firmID,
	).Scan(&fc.FirmID, &fc.AutoAssignmentEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: firm %s", firmID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: firm config %s", firmID)
	}
	return &fc, nil
}

// --- Oracles ---

func (s *SQLiteStore) AddSlots(ctx context.Context, slots []model.AvailabilitySlot) error {
	return s.inTx(ctx, "add slots", func(tx *sql.Tx) error {
		for _, sl := range slots {
			id := sl.ID
			if id == "" {
				id = newID()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO availability_slots (id, ca_id, starts_at, ends_at, booked) VALUES (?, ?, ?, ?, ?)`,
				id, sl.CAID, toMillis(sl.StartsAt), toMillis(sl.EndsAt), sl.Booked,
			); err != nil {
				return eris.Wrapf(err, "slot %s", id)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) CountSlots(ctx context.Context, caID string, from, to time.Time) (model.SlotCount, error) {
	var c model.SlotCount
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN booked THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN booked THEN 1 ELSE 0 END), 0)
		 FROM availability_slots WHERE ca_id = ? AND starts_at >= ? AND starts_at < ?`,
		caID, toMillis(from), toMillis(to),
	).Scan(&c.Free, &c.Booked)
	return c, eris.Wrapf(err, "sqlite: count slots of %s", caID)
}

func (s *SQLiteStore) CountActiveAssignments(ctx context.Context, caID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_requests WHERE ca_id = ? AND status IN ('ACCEPTED', 'IN_PROGRESS')`,
		caID,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count active assignments of %s", caID)
}

func (s *SQLiteStore) CompletedWithRating(ctx context.Context, caID, serviceType string) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_rating FROM service_requests
		 WHERE ca_id = ? AND service_type = ? AND status = 'COMPLETED' AND client_rating IS NOT NULL
		 ORDER BY updated_at, id`,
		caID, serviceType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ratings of %s", caID)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rating")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: ratings iterate")
}

func (s *SQLiteStore) HasPriorWork(ctx context.Context, caID, clientID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM service_requests
		 WHERE ca_id = ? AND client_id = ? AND status <> 'CANCELLED')`,
		caID, clientID,
	).Scan(&ok)
	return ok, eris.Wrapf(err, "sqlite: prior work of %s", caID)
}

// --- Outbox ---

func (s *SQLiteStore) EnqueueEvent(ctx context.Context, evt *model.AssignmentEvent) error {
	return eris.Wrap(insertEventSQLite(ctx, s.db, evt, time.Now().UTC()), "sqlite: enqueue event")
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEventSQLite(ctx context.Context, ex sqlExecer, evt *model.AssignmentEvent, now time.Time) error {
	prepareEvent(evt, now)
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event payload")
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO assignment_events
		 (id, request_id, kind, payload, status, attempts, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.RequestID, string(evt.Kind), string(payload), string(evt.Status),
		evt.Attempts, toMillis(evt.NextAttemptAt), toMillis(evt.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert event %s", evt.Kind)
}

func (s *SQLiteStore) ClaimEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.AssignmentEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE assignment_events SET attempts = attempts + 1, next_attempt_at = ?
		 WHERE id IN (
			SELECT id FROM assignment_events
			WHERE status = 'pending' AND next_attempt_at <= ?
			ORDER BY created_at, id LIMIT ?)
		 RETURNING `+eventColumns,
		toMillis(now.Add(lease)), toMillis(now), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim events")
	}
	defer rows.Close()

	var out []model.AssignmentEvent
	for rows.Next() {
		var e model.AssignmentEvent
		var payload string
		var next, created int64
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Kind, &payload, &e.Status, &e.Attempts,
			&next, &e.LastError, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal payload of event %s", e.ID)
		}
		e.NextAttemptAt, e.CreatedAt = fromMillis(next), fromMillis(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim events iterate")
	}
	sortEvents(out)
	return out, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignment_events SET status = 'delivered', last_error = NULL WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark delivered %s", id)
	}
	return checkRowsAffected(res, "event", id)
}

func (s *SQLiteStore) RetryEvent(ctx context.Context, id string, next time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignment_events SET next_attempt_at = ?, last_error = ? WHERE id = ? AND status = 'pending'`,
		toMillis(next), lastErr, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: retry event %s", id)
	}
	return checkRowsAffected(res, "pending event", id)
}

func (s *SQLiteStore) MarkDead(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignment_events SET status = 'dead', last_error = ? WHERE id = ?`, lastErr, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark dead %s", id)
	}
	return checkRowsAffected(res, "event", id)
}

func (s *SQLiteStore) CountEvents(ctx context.Context, status model.EventStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignment_events WHERE status = ?`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count events")
}

// helpers

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s: begin", op)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return eris.Wrapf(err, "sqlite: %s", op)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: %s: commit", op)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
