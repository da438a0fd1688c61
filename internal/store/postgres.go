package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/assignment-service/internal/db"
	"github.com/sells-group/assignment-service/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	requestColumns = `id, firm_id, client_id, service_type, status, ca_id, assignment_method,
	auto_assignment_score, assigned_by_user_id, assignment_reason, assigned_at, client_rating,
	created_at, updated_at`

	eventColumns = `id, request_id, kind, payload, status, attempts, next_attempt_at,
	COALESCE(last_error, ''), created_at`

	pgGetRequest = `SELECT ` + requestColumns + ` FROM service_requests WHERE id = $1`

	pgCommitAssignment = `UPDATE service_requests SET
		ca_id = $1, assignment_method = $2, auto_assignment_score = $3,
		assigned_by_user_id = $4, assignment_reason = $5,
		status = CASE WHEN status = 'UNASSIGNED' THEN 'ACCEPTED' ELSE status END,
		assigned_at = $6, updated_at = $6
	WHERE id = $7 AND COALESCE(ca_id, '') = $8 AND status NOT IN ('COMPLETED', 'CANCELLED')`

	pgInsertHistory = `INSERT INTO assignment_history
		(id, request_id, ca_id, previous_ca_id, method, score, assigned_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	pgInsertEvent = `INSERT INTO assignment_events
		(id, request_id, kind, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	pgActiveMembers = `SELECT firm_id, ca_id, role, can_work_independently, specializations, verification_status
		FROM firm_members WHERE firm_id = $1 AND active ORDER BY ca_id`

	pgFirmConfig = `SELECT id, auto_assignment_enabled FROM firms WHERE id = $1`

	pgCountSlots = `SELECT
		COALESCE(SUM(CASE WHEN booked THEN 0 ELSE 1 END), 0),
		COALESCE(SUM(CASE WHEN booked THEN 1 ELSE 0 END), 0)
		FROM availability_slots WHERE ca_id = $1 AND starts_at >= $2 AND starts_at < $3`

	pgCountActive = `SELECT COUNT(*) FROM service_requests
		WHERE ca_id = $1 AND status IN ('ACCEPTED', 'IN_PROGRESS')`

	pgCompletedWithRating = `SELECT client_rating FROM service_requests
		WHERE ca_id = $1 AND service_type = $2 AND status = 'COMPLETED' AND client_rating IS NOT NULL
		ORDER BY updated_at, id`

	pgHasPriorWork = `SELECT EXISTS (SELECT 1 FROM service_requests
		WHERE ca_id = $1 AND client_id = $2 AND status <> 'CANCELLED')`

	pgClaimEvents = `UPDATE assignment_events SET attempts = attempts + 1, next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM assignment_events
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY created_at, id LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING ` + eventColumns
)

// preparedStatements lists queries to prepare on each new connection. These
// run once per candidate per scoring pass.
var preparedStatements = map[string]string{
	"get_request":           pgGetRequest,
	"active_members":        pgActiveMembers,
	"count_slots":           pgCountSlots,
	"count_active":          pgCountActive,
	"completed_with_rating": pgCompletedWithRating,
	"has_prior_work":        pgHasPriorWork,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS firms (
	id                      TEXT PRIMARY KEY,
	auto_assignment_enabled BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS firm_members (
	firm_id                TEXT NOT NULL REFERENCES firms(id),
	ca_id                  TEXT NOT NULL,
	role                   TEXT NOT NULL,
	can_work_independently BOOLEAN NOT NULL DEFAULT false,
	specializations        JSONB NOT NULL DEFAULT '[]',
	verification_status    TEXT NOT NULL DEFAULT 'PENDING',
	active                 BOOLEAN NOT NULL DEFAULT true,
	PRIMARY KEY (firm_id, ca_id)
);

CREATE TABLE IF NOT EXISTS availability_slots (
	id        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	ca_id     TEXT NOT NULL,
	starts_at TIMESTAMPTZ NOT NULL,
	ends_at   TIMESTAMPTZ NOT NULL,
	booked    BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS service_requests (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	firm_id               TEXT REFERENCES firms(id),
	client_id             TEXT NOT NULL,
	service_type          TEXT NOT NULL,
	status                TEXT NOT NULL DEFAULT 'UNASSIGNED',
	ca_id                 TEXT,
	assignment_method     TEXT,
	auto_assignment_score INTEGER CHECK (auto_assignment_score BETWEEN 0 AND 100),
	assigned_by_user_id   TEXT,
	assignment_reason     TEXT,
	assigned_at           TIMESTAMPTZ,
	client_rating         DOUBLE PRECISION,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS assignment_history (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_id     TEXT NOT NULL REFERENCES service_requests(id),
	ca_id          TEXT NOT NULL,
	previous_ca_id TEXT,
	method         TEXT NOT NULL,
	score          INTEGER,
	assigned_by    TEXT,
	reason         TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS assignment_events (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_id      TEXT NOT NULL,
	kind            TEXT NOT NULL,
	payload         JSONB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_firm_members_firm_active ON firm_members(firm_id) WHERE active;
CREATE INDEX IF NOT EXISTS idx_slots_ca_starts ON availability_slots(ca_id, starts_at);
CREATE INDEX IF NOT EXISTS idx_requests_ca_status ON service_requests(ca_id, status);
CREATE INDEX IF NOT EXISTS idx_requests_ca_client ON service_requests(ca_id, client_id);
CREATE INDEX IF NOT EXISTS idx_history_request ON assignment_history(request_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_due ON assignment_events(next_attempt_at) WHERE status = 'pending';
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Requests ---

func (s *PostgresStore) CreateRequest(ctx context.Context, req *model.ServiceRequest) error {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO service_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		req.ID, nullable(req.FirmID), req.ClientID, req.ServiceType, string(req.Status),
		nullable(req.CAID), nullable(string(req.AssignmentMethod)), req.AutoAssignmentScore,
		nullable(req.AssignedByUserID), nullable(req.AssignmentReason), req.AssignedAt, req.ClientRating,
		req.CreatedAt, req.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert request %s", req.ID)
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*model.ServiceRequest, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx, pgGetRequest, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: request %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get request %s", id)
	}
	return req, nil
}

func (s *PostgresStore) CommitAssignment(ctx context.Context, c model.AssignmentCommit, evt *model.AssignmentEvent) (bool, error) {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}

	committed := false
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, pgCommitAssignment,
			c.CAID, string(c.Method), c.Score, nullable(c.AdminID), nullable(c.Reason),
			c.At, c.RequestID, c.ExpectedCAID,
		)
		if err != nil {
			return eris.Wrap(err, "update request")
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		committed = true

		h := historyFor(c)
		if _, err := tx.Exec(ctx, pgInsertHistory,
			h.ID, h.RequestID, h.CAID, nullable(h.PreviousCAID), string(h.Method),
			h.Score, nullable(h.AssignedBy), nullable(h.Reason), h.CreatedAt,
		); err != nil {
			return eris.Wrap(err, "insert history")
		}

		// Scheduled on the relay's wall clock, not the caller's commit time.
		if evt != nil {
			return insertEventPG(ctx, tx, evt, time.Now().UTC())
		}
		return nil
	})
	if err != nil {
		return false, eris.Wrapf(err, "postgres: commit assignment %s", c.RequestID)
	}
	return committed, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, requestID string) ([]model.AssignmentHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, ca_id, previous_ca_id, method, score, assigned_by, reason, created_at
		 FROM assignment_history WHERE request_id = $1 ORDER BY created_at, id`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list history %s", requestID)
	}
	defer rows.Close()

	var out []model.AssignmentHistory
	for rows.Next() {
		var h model.AssignmentHistory
		var prev, by, reason *string
		if err := rows.Scan(&h.ID, &h.RequestID, &h.CAID, &prev, &h.Method, &h.Score, &by, &reason, &h.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		h.PreviousCAID, h.AssignedBy, h.Reason = deref(prev), deref(by), deref(reason)
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list history iterate")
}

// --- Directory ---

func (s *PostgresStore) UpsertFirms(ctx context.Context, firms []model.FirmConfig) error {
	rows := make([][]any, len(firms))
	for i, f := range firms {
		rows[i] = []any{f.FirmID, f.AutoAssignmentEnabled}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "firms",
		Columns:      []string{"id", "auto_assignment_enabled"},
		ConflictKeys: []string{"id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert firms")
}

func (s *PostgresStore) UpsertMembers(ctx context.Context, members []model.Member) error {
	rows := make([][]any, len(members))
	for i, m := range members {
		specs, err := json.Marshal(specializationsOrEmpty(m.Specializations))
		if err != nil {
			return eris.Wrap(err, "postgres: marshal specializations")
		}
		rows[i] = []any{
			m.FirmID, m.CAID, string(m.Role), m.CanWorkIndependently,
			specs, string(m.VerificationStatus), m.Active,
		}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "firm_members",
		Columns: []string{
			"firm_id", "ca_id", "role", "can_work_independently",
			"specializations", "verification_status", "active",
		},
		ConflictKeys: []string{"firm_id", "ca_id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert members")
}

func (s *PostgresStore) ActiveMembers(ctx context.Context, firmID string) ([]model.Member, error) {
	rows, err := s.pool.Query(ctx, pgActiveMembers, firmID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: active members of %s", firmID)
	}
	defer rows.Close()

	var out []model.Member
	for rows.Next() {
		var m model.Member
		var specs []byte
		if err := rows.Scan(&m.FirmID, &m.CAID, &m.Role, &m.CanWorkIndependently, &specs, &m.VerificationStatus); err != nil {
			return nil, eris.Wrap(err, "postgres: scan member")
		}
		if err := json.Unmarshal(specs, &m.Specializations); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal specializations of %s", m.CAID)
		}
		m.Active = true
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: active members iterate")
}

func (s *PostgresStore) FirmConfig(ctx context.Context, firmID string) (*model.FirmConfig, error) {
	var fc model.FirmConfig
	err := s.pool.QueryRow(ctx, pgFirmConfig, firmID).Scan(&fc.FirmID, &fc.AutoAssignmentEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: firm %s", firmID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: firm config %s", firmID)
	}
	return &fc, nil
}

// --- Oracles ---

func (s *PostgresStore) AddSlots(ctx context.Context, slots []model.AvailabilitySlot) error {
	rows := make([][]any, len(slots))
	for i, sl := range slots {
		id := sl.ID
		if id == "" {
			id = newID()
		}
		rows[i] = []any{id, sl.CAID, sl.StartsAt.UTC(), sl.EndsAt.UTC(), sl.Booked}
	}
	_, err := db.CopyFrom(ctx, s.pool, "availability_slots",
		[]string{"id", "ca_id", "starts_at", "ends_at", "booked"}, rows)
	return eris.Wrap(err, "postgres: add slots")
}

func (s *PostgresStore) CountSlots(ctx context.Context, caID string, from, to time.Time) (model.SlotCount, error) {
	var c model.SlotCount
	err := s.pool.QueryRow(ctx, pgCountSlots, caID, from.UTC(), to.UTC()).Scan(&c.Free, &c.Booked)
	return c, eris.Wrapf(err, "postgres: count slots of %s", caID)
}

func (s *PostgresStore) CountActiveAssignments(ctx context.Context, caID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, pgCountActive, caID).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count active assignments of %s", caID)
}

func (s *PostgresStore) CompletedWithRating(ctx context.Context, caID, serviceType string) ([]float64, error) {
	rows, err := s.pool.Query(ctx, pgCompletedWithRating, caID, serviceType)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ratings of %s", caID)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rating")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: ratings iterate")
}

func (s *PostgresStore) HasPriorWork(ctx context.Context, caID, clientID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, pgHasPriorWork, caID, clientID).Scan(&ok)
	return ok, eris.Wrapf(err, "postgres: prior work of %s", caID)
}

// --- Outbox ---

func (s *PostgresStore) EnqueueEvent(ctx context.Context, evt *model.AssignmentEvent) error {
	return eris.Wrap(insertEventPG(ctx, s.pool, evt, time.Now().UTC()), "postgres: enqueue event")
}

// pgExecer is satisfied by both db.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEventPG(ctx context.Context, ex pgExecer, evt *model.AssignmentEvent, now time.Time) error {
	prepareEvent(evt, now)
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return eris.Wrap(err, "marshal event payload")
	}
	_, err = ex.Exec(ctx, pgInsertEvent,
		evt.ID, evt.RequestID, string(evt.Kind), payload, string(evt.Status),
		evt.Attempts, evt.NextAttemptAt, evt.CreatedAt,
	)
	return eris.Wrapf(err, "insert event %s", evt.Kind)
}

func (s *PostgresStore) ClaimEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.AssignmentEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, pgClaimEvents, now.UTC(), now.Add(lease).UTC(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim events")
	}
	defer rows.Close()

	var out []model.AssignmentEvent
	for rows.Next() {
		var e model.AssignmentEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Kind, &payload, &e.Status, &e.Attempts,
			&e.NextAttemptAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal payload of event %s", e.ID)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: claim events iterate")
	}
	sortEvents(out)
	return out, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assignment_events SET status = 'delivered', last_error = NULL WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark delivered %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: event %s", id)
	}
	return nil
}

func (s *PostgresStore) RetryEvent(ctx context.Context, id string, next time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assignment_events SET next_attempt_at = $1, last_error = $2 WHERE id = $3 AND status = 'pending'`,
		next.UTC(), lastErr, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: retry event %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: pending event %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkDead(ctx context.Context, id string, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assignment_events SET status = 'dead', last_error = $1 WHERE id = $2`, lastErr, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark dead %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: event %s", id)
	}
	return nil
}

func (s *PostgresStore) CountEvents(ctx context.Context, status model.EventStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM assignment_events WHERE status = $1`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "postgres: count events")
}

// --- helpers ---

func scanRequest(row pgx.Row) (*model.ServiceRequest, error) {
	var r model.ServiceRequest
	var firmID, caID, method, by, reason *string
	err := row.Scan(&r.ID, &firmID, &r.ClientID, &r.ServiceType, &r.Status, &caID, &method,
		&r.AutoAssignmentScore, &by, &reason, &r.AssignedAt, &r.ClientRating,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.FirmID, r.CAID, r.AssignedByUserID, r.AssignmentReason = deref(firmID), deref(caID), deref(by), deref(reason)
	r.AssignmentMethod = model.AssignmentMethod(deref(method))
	return &r, nil
}

func specializationsOrEmpty(specs []string) []string {
	if specs == nil {
		return []string{}
	}
	return specs
}

func sortEvents(events []model.AssignmentEvent) {
	slices.SortFunc(events, func(a, b model.AssignmentEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
