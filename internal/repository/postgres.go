package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/inbox-triage-back/internal/domain"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS processed_emails (
		position    INTEGER NOT NULL,
		id          TEXT PRIMARY KEY,
		message_id  TEXT NOT NULL DEFAULT '',
		from_addr   TEXT NOT NULL,
		subject     TEXT NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		preview     TEXT NOT NULL DEFAULT '',
		body_html   TEXT NOT NULL DEFAULT '',
		summary     TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT '',
		todos       JSONB NOT NULL DEFAULT '[]',
		events      JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_status (
		id           SMALLINT PRIMARY KEY CHECK (id = 1),
		status       TEXT NOT NULL,
		message      TEXT NOT NULL DEFAULT '',
		last_updated TIMESTAMPTZ NOT NULL,
		count        INTEGER NOT NULL DEFAULT 0
	)`,
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	repo := &PostgresRepository{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	for index, statement := range postgresSchema {
		if _, err := r.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply pg schema step %d: %w", index+1, err)
		}
	}
	return nil
}

func (r *PostgresRepository) LoadProcessed(ctx context.Context) ([]domain.ProcessedEmail, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT position, id, message_id, from_addr, subject, received_at, preview, body_html, summary, category, todos, events
		FROM processed_emails
		ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("query processed emails: %w", err)
	}
	defer rows.Close()

	emails := make([]domain.ProcessedEmail, 0)
	for rows.Next() {
		row, err := scanPostgresRow(rows)
		if err != nil {
			return nil, err
		}
		email, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate processed emails: %w", rows.Err())
	}
	return emails, nil
}

func (r *PostgresRepository) SaveProcessed(ctx context.Context, emails []domain.ProcessedEmail) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin pg transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM processed_emails`); err != nil {
		return fmt.Errorf("clear processed emails: %w", err)
	}

	batch := &pgx.Batch{}
	for position, email := range emails {
		row, err := newEmailRow(position, email)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO processed_emails (
				position, id, message_id, from_addr, subject, received_at,
				preview, body_html, summary, category, todos, events
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`,
			row.Position, row.ID, row.MessageID, row.FromAddr, row.Subject, row.ReceivedAt,
			row.Preview, row.BodyHTML, row.Summary, row.Category, string(row.Todos), string(row.Events),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert processed emails: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit processed emails: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetProcessed(ctx context.Context, id string) (domain.ProcessedEmail, error) {
	row, err := scanPostgresRow(r.pool.QueryRow(ctx, `
		SELECT position, id, message_id, from_addr, subject, received_at, preview, body_html, summary, category, todos, events
		FROM processed_emails
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessedEmail{}, ErrNotFound
		}
		return domain.ProcessedEmail{}, err
	}
	return row.toDomain()
}

func (r *PostgresRepository) LoadStatus(ctx context.Context) (domain.RefreshStatus, error) {
	var (
		status      domain.RefreshStatus
		state       string
		lastUpdated time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT status, message, last_updated, count FROM refresh_status WHERE id = 1
	`).Scan(&state, &status.Message, &lastUpdated, &status.Count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IdleStatus(), nil
		}
		return domain.RefreshStatus{}, fmt.Errorf("query refresh status: %w", err)
	}
	status.Status = domain.RefreshState(state)
	status.LastUpdated = lastUpdated
	return normalizeStatus(status), nil
}

func (r *PostgresRepository) SaveStatus(ctx context.Context, status domain.RefreshStatus) error {
	status = normalizeStatus(status)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO refresh_status (id, status, message, last_updated, count)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			message = EXCLUDED.message,
			last_updated = EXCLUDED.last_updated,
			count = EXCLUDED.count
	`, string(status.Status), status.Message, status.LastUpdated, status.Count)
	if err != nil {
		return fmt.Errorf("upsert refresh status: %w", err)
	}
	return nil
}

func scanPostgresRow(row pgx.Row) (emailRow, error) {
	var result emailRow
	err := row.Scan(
		&result.Position,
		&result.ID,
		&result.MessageID,
		&result.FromAddr,
		&result.Subject,
		&result.ReceivedAt,
		&result.Preview,
		&result.BodyHTML,
		&result.Summary,
		&result.Category,
		&result.Todos,
		&result.Events,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return emailRow{}, err
		}
		return emailRow{}, fmt.Errorf("scan processed email: %w", err)
	}
	return result, nil
}
