// Package postgres provides a PostgreSQL implementation of the donation.Storage interface.
// Status transitions are single conditional UPDATE statements, so concurrent webhook
// deliveries and sweeps can never move a donation backwards.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/godonate/pkg/donation"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const donationColumns = `id, campaign_id, participant_id, COALESCE(donor_id, ''), amount_cents, fee_cents,
	net_cents, platform_fee_cents, provider_fee_cents, refunded_cents, currency, provider_intent_id,
	status, message, donor_email, donor_name, idempotency_key, created_at, updated_at`

const eventColumns = `id, source, event_type, payload, received_at, processed, processed_at, error`

// Storage implements donation.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired idempotency keys are deleted
	RecordTTL       time.Duration // TTL for idempotency keys
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		RecordTTL:       24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.RecordTTL <= 0 {
		config.RecordTTL = DefaultConfig().RecordTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertDonation implements donation.Ledger
func (s *Storage) InsertDonation(ctx context.Context, d *donation.Donation) error {
	if d == nil || d.ID == "" || d.ProviderIntentID == "" {
		return fmt.Errorf("%w: donation id and intent id are required", donation.ErrInvalidRequest)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO donations
				(id, campaign_id, participant_id, donor_id, amount_cents, fee_cents, net_cents,
				platform_fee_cents, provider_fee_cents, refunded_cents, currency, provider_intent_id,
				status, message, donor_email, donor_name, idempotency_key, created_at, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		d.ID, d.CampaignID, d.ParticipantID, d.DonorID, d.AmountCents, d.FeeCents, d.NetCents,
		d.PlatformFeeCents, d.ProviderFeeCents, d.RefundedCents, d.Currency, d.ProviderIntentID,
		string(d.Status), d.Message, d.DonorEmail, d.DonorName, d.IdempotencyKey, d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err, "donations_provider_intent_id_key") {
		return donation.ErrDuplicateIntent
	}
	if err != nil {
		return fmt.Errorf("failed to insert donation: %w", err)
	}
	return nil
}

// GetDonation implements donation.Ledger
func (s *Storage) GetDonation(ctx context.Context, id string) (*donation.Donation, error) {
	d, err := scanDonation(s.pool.QueryRow(ctx,
		`SELECT `+donationColumns+` FROM donations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, donation.ErrDonationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get donation: %w", err)
	}
	return d, nil
}

// GetDonationByIntent implements donation.Ledger
func (s *Storage) GetDonationByIntent(ctx context.Context, intentID string) (*donation.Donation, error) {
	d, err := scanDonation(s.pool.QueryRow(ctx,
		`SELECT `+donationColumns+` FROM donations WHERE provider_intent_id = $1`, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, donation.ErrDonationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get donation by intent: %w", err)
	}
	return d, nil
}

// TransitionDonation implements donation.Ledger as one conditional UPDATE.
// When the guard does not match, the current row is read back unchanged.
func (s *Storage) TransitionDonation(ctx context.Context, intentID string, from []donation.Status,
	to donation.Status, patch donation.DonationPatch) (*donation.Donation, bool, error) {
	fromStrings := make([]string, len(from))
	for i, st := range from {
		fromStrings[i] = string(st)
	}

	d, err := scanDonation(s.pool.QueryRow(ctx,
		`UPDATE donations SET
				status = $3,
				donor_id = COALESCE($4, donor_id),
				refunded_cents = LEAST(amount_cents,
					GREATEST(refunded_cents, COALESCE($5, refunded_cents)) + COALESCE($7::bigint, 0)),
				updated_at = $6
			WHERE provider_intent_id = $1 AND status = ANY($2)
			RETURNING `+donationColumns,
		intentID, fromStrings, string(to), patch.DonorID, patch.RefundedCents, time.Now().UTC(),
		patch.RefundedDeltaCents,
	))
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to transition donation: %w", err)
	}

	current, err := s.GetDonationByIntent(ctx, intentID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ListPendingDonations implements donation.Ledger
func (s *Storage) ListPendingDonations(ctx context.Context, olderThan time.Time, limit int) ([]*donation.Donation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+donationColumns+` FROM donations
			WHERE status = 'pending' AND created_at < $1
			ORDER BY created_at
			LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending donations: %w", err)
	}
	defer rows.Close()

	var out []*donation.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan donation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDonor implements donation.DonorStore. Empty names and phone never
// overwrite stored values.
func (s *Storage) UpsertDonor(ctx context.Context, u donation.DonorUpsert) (*donation.Donor, error) {
	email := donation.NormalizeEmail(u.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: donor email is required", donation.ErrInvalidRequest)
	}

	insert := donation.NewDonorFromUpsert(u)
	now := time.Now().UTC()

	var d donation.Donor
	err := s.pool.QueryRow(ctx,
		`INSERT INTO donors (id, email, first_name, last_name, phone, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (email) DO UPDATE SET
				first_name = COALESCE(NULLIF($7, ''), donors.first_name),
				last_name = COALESCE(NULLIF($8, ''), donors.last_name),
				phone = COALESCE(NULLIF(EXCLUDED.phone, ''), donors.phone),
				updated_at = EXCLUDED.updated_at
			RETURNING id, email, first_name, last_name, phone, created_at, updated_at`,
		uuid.NewString(), email, insert.FirstName, insert.LastName, insert.Phone, now,
		strings.TrimSpace(u.FirstName), strings.TrimSpace(u.LastName),
	).Scan(&d.ID, &d.Email, &d.FirstName, &d.LastName, &d.Phone, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert donor: %w", err)
	}
	return &d, nil
}

// GetDonorByEmail implements donation.DonorStore
func (s *Storage) GetDonorByEmail(ctx context.Context, email string) (*donation.Donor, error) {
	var d donation.Donor
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, first_name, last_name, phone, created_at, updated_at
			FROM donors WHERE email = $1`,
		donation.NormalizeEmail(email),
	).Scan(&d.ID, &d.Email, &d.FirstName, &d.LastName, &d.Phone, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, donation.ErrDonorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get donor: %w", err)
	}
	return &d, nil
}

// AppendEvent implements donation.EventLog
func (s *Storage) AppendEvent(ctx context.Context, e *donation.WebhookEvent) (bool, error) {
	if e == nil || e.ID == "" {
		return false, fmt.Errorf("%w: event id is required", donation.ErrInvalidRequest)
	}
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (id, source, event_type, payload, received_at, processed, processed_at, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Source, e.EventType, payload, receivedAt, e.Processed, e.ProcessedAt, e.Error)
	if err != nil {
		return false, fmt.Errorf("failed to append event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetEvent implements donation.EventLog
func (s *Storage) GetEvent(ctx context.Context, id string) (*donation.WebhookEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, donation.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

// MarkEventProcessed implements donation.EventLog
func (s *Storage) MarkEventProcessed(ctx context.Context, id string, at time.Time, note string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET processed = TRUE, processed_at = $2, error = $3 WHERE id = $1`,
		id, at.UTC(), note)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return donation.ErrEventNotFound
	}
	return nil
}

// MarkEventFailed implements donation.EventLog. Processed events are left
// untouched.
func (s *Storage) MarkEventFailed(ctx context.Context, id string, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET error = $2 WHERE id = $1 AND NOT processed`, id, msg)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return nil
}

// ListUnprocessedEvents implements donation.EventLog
func (s *Storage) ListUnprocessedEvents(ctx context.Context, before time.Time, limit int) ([]*donation.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
			WHERE NOT processed AND received_at < $1 AND event_type <> $3
			ORDER BY received_at
			LIMIT $2`,
		before, limit, donation.EventTypeWebhookError)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []*donation.WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetIdempotencyRecord implements donation.IdempotencyStore. Expired keys
// read as unknown.
func (s *Storage) GetIdempotencyRecord(ctx context.Context, key string) (*donation.IdempotencyRecord, error) {
	if key == "" {
		return nil, nil
	}

	var rec donation.IdempotencyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, fingerprint, donation_id, intent_id, refund_id, amount_cents, created_at
			FROM idempotency_keys
			WHERE key = $1 AND expires_at > $2`,
		key, time.Now().UTC(),
	).Scan(&rec.Key, &rec.Fingerprint, &rec.DonationID, &rec.IntentID, &rec.RefundID,
		&rec.AmountCents, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &rec, nil
}

// SaveIdempotencyRecord implements donation.IdempotencyStore
func (s *Storage) SaveIdempotencyRecord(ctx context.Context, rec *donation.IdempotencyRecord) (bool, error) {
	if rec == nil || rec.Key == "" {
		return false, fmt.Errorf("%w: idempotency key is required", donation.ErrInvalidRequest)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys
				(key, fingerprint, donation_id, intent_id, refund_id, amount_cents, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.Fingerprint, rec.DonationID, rec.IntentID, rec.RefundID, rec.AmountCents,
		createdAt, createdAt.Add(s.config.RecordTTL))
	if err != nil {
		return false, fmt.Errorf("failed to save idempotency record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Cleanup can be called manually to delete expired idempotency keys
func (s *Storage) Cleanup(ctx context.Context) error {
	return s.cleanupExpiredRecords(ctx)
}

// startCleanup runs periodic cleanup of expired records until ctx is canceled
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // the next tick retries
			_ = s.cleanupExpiredRecords(ctx)
		}
	}
}

func (s *Storage) cleanupExpiredRecords(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup idempotency keys: %w", err)
	}
	return nil
}

func scanDonation(row pgx.Row) (*donation.Donation, error) {
	var d donation.Donation
	var status string
	err := row.Scan(
		&d.ID, &d.CampaignID, &d.ParticipantID, &d.DonorID, &d.AmountCents, &d.FeeCents,
		&d.NetCents, &d.PlatformFeeCents, &d.ProviderFeeCents, &d.RefundedCents, &d.Currency,
		&d.ProviderIntentID, &status, &d.Message, &d.DonorEmail, &d.DonorName, &d.IdempotencyKey,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = donation.Status(status)
	return &d, nil
}

func scanEvent(row pgx.Row) (*donation.WebhookEvent, error) {
	var e donation.WebhookEvent
	err := row.Scan(&e.ID, &e.Source, &e.EventType, &e.Payload, &e.ReceivedAt,
		&e.Processed, &e.ProcessedAt, &e.Error)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
