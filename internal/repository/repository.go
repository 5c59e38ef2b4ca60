// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/linklock/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.EventStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying pool for metrics collection.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

const eventColumns = `
	id, actor_id, kind, status, occurred_at, ip_address,
	country, city, latitude, longitude,
	device_id, device_name, device_info, previous_at,
	email, login_attempts,
	amount, category, description, merchant_id, elapsed_seconds,
	risk_score, rule_score, external_score, is_anomaly, reasons`

// InsertEvent appends an event. Events are never updated.
func (r *SQLRepository) InsertEvent(ctx context.Context, ev *domain.Event) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if !ev.Kind.Valid() || !ev.Status.Valid() {
		return fmt.Errorf("%w: invalid kind %q or status %q", ErrInvalidInput, ev.Kind, ev.Status)
	}

	var deviceInfo, deviceName any
	if ev.DeviceInfo != nil {
		data, err := json.Marshal(ev.DeviceInfo)
		if err != nil {
			return fmt.Errorf("failed to marshal device info: %w", err)
		}
		deviceInfo = string(data)
		deviceName = ev.DeviceInfo.Name
	}

	reasons, err := json.Marshal(ev.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	var country, city, lat, lon any
	if ev.Location != nil {
		country = ev.Location.Country
		city = ev.Location.City
		lat = ev.Location.Latitude
		lon = ev.Location.Longitude
	}

	var previousAt, elapsed, external any
	if ev.PreviousAt != nil {
		previousAt = ev.PreviousAt.UnixMilli()
	}
	if ev.ElapsedSeconds != nil {
		elapsed = *ev.ElapsedSeconds
	}
	if ev.ExternalScore != nil {
		external = *ev.ExternalScore
	}

	query := `INSERT INTO events (` + eventColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, nullString(ev.Actor()), string(ev.Kind), string(ev.Status),
		ev.OccurredAt.UnixMilli(), ev.IPAddress,
		country, city, lat, lon,
		ev.DeviceID, deviceName, deviceInfo, previousAt,
		nullString(ev.Email), ev.LoginAttempts,
		ev.Amount, nullString(ev.Category), nullString(ev.Description), nullString(ev.MerchantID), elapsed,
		ev.RiskScore, ev.RuleScore, external, boolToInt(ev.IsAnomaly), string(reasons),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by ID.
func (r *SQLRepository) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = ?`

	ev, err := scanEvent(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// FindPreviousEvent returns the actor's latest event of kind, or nil, nil.
func (r *SQLRepository) FindPreviousEvent(ctx context.Context, actorID string, kind domain.EventKind, onlySuccessful bool) (*domain.Event, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actorID is required", ErrInvalidInput)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE actor_id = ? AND kind = ?`
	args := []any{actorID, string(kind)}
	if onlySuccessful {
		query += ` AND status = ?`
		args = append(args, string(domain.StatusSuccess))
	}
	query += ` ORDER BY occurred_at DESC LIMIT 1`

	ev, err := scanEvent(r.db.QueryRowContext(ctx, r.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find previous event: %w", err)
	}
	return ev, nil
}

// CountEvents returns the actor's total number of events of kind.
func (r *SQLRepository) CountEvents(ctx context.Context, actorID string, kind domain.EventKind) (int64, error) {
	query := `SELECT COUNT(*) FROM events WHERE actor_id = ? AND kind = ?`

	var count int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), actorID, string(kind)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// ListDevices groups the actor's events by device, most recently used first.
func (r *SQLRepository) ListDevices(ctx context.Context, actorID string) ([]*domain.DeviceSummary, error) {
	query := `
		SELECT device_id, MAX(device_name), MIN(occurred_at), MAX(occurred_at), COUNT(*)
		FROM events
		WHERE actor_id = ?
		GROUP BY device_id
		ORDER BY MAX(occurred_at) DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*domain.DeviceSummary
	byID := make(map[string]*domain.DeviceSummary)
	for rows.Next() {
		var d domain.DeviceSummary
		var name sql.NullString
		var first, last int64
		if err := rows.Scan(&d.DeviceID, &name, &first, &last, &d.UsageCount); err != nil {
			return nil, err
		}
		d.DeviceName = name.String
		d.FirstSeen = fromMillis(first)
		d.LastSeen = fromMillis(last)
		d.Cities = []string{}
		devices = append(devices, &d)
		byID[d.DeviceID] = &d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cityQuery := `
		SELECT DISTINCT device_id, city
		FROM events
		WHERE actor_id = ? AND city IS NOT NULL AND city <> ''
	`
	cityRows, err := r.db.QueryContext(ctx, r.rebind(cityQuery), actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device cities: %w", err)
	}
	defer cityRows.Close()

	for cityRows.Next() {
		var deviceID, city string
		if err := cityRows.Scan(&deviceID, &city); err != nil {
			return nil, err
		}
		if d, ok := byID[deviceID]; ok {
			d.Cities = append(d.Cities, city)
		}
	}
	for _, d := range devices {
		sort.Strings(d.Cities)
	}

	return devices, cityRows.Err()
}

// ListSuspicious returns the actor's failed, flagged or high-risk events since a
// point in time, newest first.
func (r *SQLRepository) ListSuspicious(ctx context.Context, actorID string, since time.Time, threshold int) ([]*domain.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM events
		WHERE actor_id = ?
		  AND occurred_at >= ?
		  AND (status = ? OR is_anomaly = 1 OR risk_score >= ?)
		ORDER BY occurred_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		actorID, since.UnixMilli(), string(domain.StatusFailed), threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list suspicious events: %w", err)
	}
	defer rows.Close()

	events := []*domain.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ActorStats aggregates login totals, devices and locations for an actor.
func (r *SQLRepository) ActorStats(ctx context.Context, actorID string, since time.Time) (*domain.ActorStats, error) {
	query := `
		SELECT
			COUNT(CASE WHEN kind = 'login' THEN 1 END),
			COUNT(CASE WHEN kind = 'login' AND status = 'failed' AND occurred_at >= ? THEN 1 END),
			COUNT(DISTINCT device_id),
			MAX(CASE WHEN kind = 'login' AND status = 'success' THEN occurred_at END)
		FROM events
		WHERE actor_id = ?
	`

	var stats domain.ActorStats
	var lastLogin sql.NullInt64
	err := r.db.QueryRowContext(ctx, r.rebind(query), since.UnixMilli(), actorID).Scan(
		&stats.TotalLogins, &stats.FailedLogins30d, &stats.UniqueDevices, &lastLogin,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	if lastLogin.Valid {
		t := fromMillis(lastLogin.Int64)
		stats.LastLogin = &t
	}

	locQuery := `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT country, city FROM events
			WHERE actor_id = ? AND city IS NOT NULL AND city <> ''
		) locs
	`
	if err := r.db.QueryRowContext(ctx, r.rebind(locQuery), actorID).Scan(&stats.UniqueLocations); err != nil {
		return nil, fmt.Errorf("failed to count locations: %w", err)
	}

	return &stats, nil
}

// AmountBaseline summarizes the actor's prior successful amounts in category.
func (r *SQLRepository) AmountBaseline(ctx context.Context, actorID string, category string) (*domain.AmountBaseline, error) {
	query := `
		SELECT COUNT(*), COALESCE(AVG(amount), 0), COALESCE(AVG(amount * amount), 0)
		FROM events
		WHERE actor_id = ? AND kind = ? AND category = ? AND status = ?
	`

	var b domain.AmountBaseline
	var meanSquare float64
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		actorID, string(domain.KindTransaction), category, string(domain.StatusSuccess),
	).Scan(&b.Count, &b.Mean, &meanSquare)
	if err != nil {
		return nil, fmt.Errorf("failed to compute amount baseline: %w", err)
	}

	// population variance; clamp rounding noise
	if v := meanSquare - b.Mean*b.Mean; v > 0 {
		b.StdDev = math.Sqrt(v)
	}
	return &b, nil
}

// UpsertAnomaly stores an anomaly record keyed by ID.
// Writing the same ID twice leaves exactly one row.
func (r *SQLRepository) UpsertAnomaly(ctx context.Context, rec *domain.AnomalyRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: anomaly id is required", ErrInvalidInput)
	}

	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}

	var actorID any
	if rec.ActorID != nil {
		actorID = *rec.ActorID
	}

	query := `
		INSERT INTO anomalies (
			id, event_id, actor_id, kind, score, reasons, payload, enqueued_at, persisted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			score = excluded.score,
			reasons = excluded.reasons,
			payload = excluded.payload,
			persisted_at = excluded.persisted_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.EventID, actorID, string(rec.Kind), rec.Score,
		string(reasons), payload, rec.EnqueuedAt.UnixMilli(), rec.PersistedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert anomaly: %w", err)
	}
	return nil
}

const anomalyColumns = `id, event_id, actor_id, kind, score, reasons, payload, enqueued_at, persisted_at`

// GetAnomaly retrieves a persisted anomaly by ID.
func (r *SQLRepository) GetAnomaly(ctx context.Context, id string) (*domain.AnomalyRecord, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE id = ?`

	rec, err := scanAnomaly(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListAnomalies returns the most recently persisted anomalies.
func (r *SQLRepository) ListAnomalies(ctx context.Context, limit int) ([]*domain.AnomalyRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + anomalyColumns + ` FROM anomalies ORDER BY persisted_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	records := []*domain.AnomalyRecord{}
	for rows.Next() {
		rec, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveRuleConfig stores a custom rule, replacing the same id and version.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	bands, err := json.Marshal(rule.Bands)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal rule bands: %v", ErrInvalidInput, err)
	}
	now := time.Now().UTC().UnixMilli()

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, bands, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version, rule.Expression,
		string(bands), rule.Weight, boolToInt(rule.Enabled), now, now,
	)
	return err
}

// ListRuleConfigs returns all stored rules ordered by id and version.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, bands, weight, enabled
		FROM rule_configs
		ORDER BY id, version
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var description sql.NullString
		var bands string
		var enabled int

		if err := rows.Scan(&cfg.ID, &cfg.Name, &description, &cfg.Version,
			&cfg.Expression, &bands, &cfg.Weight, &enabled); err != nil {
			return nil, err
		}
		cfg.Description = description.String
		cfg.Enabled = enabled == 1
		if bands != "" {
			_ = json.Unmarshal([]byte(bands), &cfg.Bands)
		}
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var ev domain.Event
	var kind, status, reasons string
	var actorID, country, city, deviceName, deviceInfo sql.NullString
	var email, category, description, merchantID sql.NullString
	var lat, lon, elapsed sql.NullFloat64
	var previousAt, external sql.NullInt64
	var occurredAt int64
	var isAnomaly int

	err := row.Scan(
		&ev.ID, &actorID, &kind, &status, &occurredAt, &ev.IPAddress,
		&country, &city, &lat, &lon,
		&ev.DeviceID, &deviceName, &deviceInfo, &previousAt,
		&email, &ev.LoginAttempts,
		&ev.Amount, &category, &description, &merchantID, &elapsed,
		&ev.RiskScore, &ev.RuleScore, &external, &isAnomaly, &reasons,
	)
	if err != nil {
		return nil, err
	}

	ev.Kind = domain.EventKind(kind)
	ev.Status = domain.EventStatus(status)
	ev.OccurredAt = fromMillis(occurredAt)
	ev.IsAnomaly = isAnomaly == 1
	ev.Email = email.String
	ev.Category = category.String
	ev.Description = description.String
	ev.MerchantID = merchantID.String

	if actorID.Valid {
		id := actorID.String
		ev.ActorID = &id
	}
	if lat.Valid && lon.Valid {
		ev.Location = &domain.Location{
			Country:   country.String,
			City:      city.String,
			Latitude:  lat.Float64,
			Longitude: lon.Float64,
		}
	}
	if deviceInfo.Valid && deviceInfo.String != "" {
		var info domain.DeviceInfo
		if err := json.Unmarshal([]byte(deviceInfo.String), &info); err == nil {
			ev.DeviceInfo = &info
		}
	}
	if previousAt.Valid {
		t := fromMillis(previousAt.Int64)
		ev.PreviousAt = &t
	}
	if elapsed.Valid {
		v := elapsed.Float64
		ev.ElapsedSeconds = &v
	}
	if external.Valid {
		v := int(external.Int64)
		ev.ExternalScore = &v
	}
	if reasons != "" {
		_ = json.Unmarshal([]byte(reasons), &ev.Reasons)
	}
	if ev.Reasons == nil {
		ev.Reasons = map[string]any{}
	}

	return &ev, nil
}

func scanAnomaly(row rowScanner) (*domain.AnomalyRecord, error) {
	var rec domain.AnomalyRecord
	var actorID sql.NullString
	var kind, reasons, payload string
	var enqueuedAt, persistedAt int64

	if err := row.Scan(&rec.ID, &rec.EventID, &actorID, &kind, &rec.Score,
		&reasons, &payload, &enqueuedAt, &persistedAt); err != nil {
		return nil, err
	}

	rec.Kind = domain.EventKind(kind)
	rec.Payload = json.RawMessage(payload)
	rec.EnqueuedAt = fromMillis(enqueuedAt)
	rec.PersistedAt = fromMillis(persistedAt)
	if actorID.Valid {
		id := actorID.String
		rec.ActorID = &id
	}
	_ = json.Unmarshal([]byte(reasons), &rec.Reasons)
	return &rec, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
