package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/iago/inbox-triage-back/internal/domain"
)

type migration struct {
	version int
	sql     string
}

var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_emails (
	position    INTEGER NOT NULL,
	id          TEXT PRIMARY KEY,
	message_id  TEXT NOT NULL DEFAULT '',
	from_addr   TEXT NOT NULL,
	subject     TEXT NOT NULL,
	received_at TEXT NOT NULL,
	preview     TEXT NOT NULL DEFAULT '',
	body_html   TEXT NOT NULL DEFAULT '',
	summary     TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	todos       TEXT NOT NULL DEFAULT '[]',
	events      TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS refresh_status (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	status       TEXT NOT NULL,
	message      TEXT NOT NULL DEFAULT '',
	last_updated TEXT NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_processed_emails_position ON processed_emails(position);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

// sqliteEmailRow mirrors emailRow with text timestamps; modernc stores
// times as strings and RFC3339Nano keeps them sortable and exact.
type sqliteEmailRow struct {
	Position   int    `db:"position"`
	ID         string `db:"id"`
	MessageID  string `db:"message_id"`
	FromAddr   string `db:"from_addr"`
	Subject    string `db:"subject"`
	ReceivedAt string `db:"received_at"`
	Preview    string `db:"preview"`
	BodyHTML   string `db:"body_html"`
	Summary    string `db:"summary"`
	Category   string `db:"category"`
	Todos      string `db:"todos"`
	Events     string `db:"events"`
}

type sqliteStatusRow struct {
	Status      string `db:"status"`
	Message     string `db:"message"`
	LastUpdated string `db:"last_updated"`
	Count       int    `db:"count"`
}

type SQLiteRepository struct {
	db *sqlx.DB
}

// NewSQLiteRepository opens (or creates) the database at path, enables WAL
// and applies pending migrations.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := r.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := r.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := r.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) LoadProcessed(ctx context.Context) ([]domain.ProcessedEmail, error) {
	var rows []sqliteEmailRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM processed_emails ORDER BY position`); err != nil {
		return nil, fmt.Errorf("query processed emails: %w", err)
	}

	emails := make([]domain.ProcessedEmail, 0, len(rows))
	for _, row := range rows {
		email, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, nil
}

func (r *SQLiteRepository) SaveProcessed(ctx context.Context, emails []domain.ProcessedEmail) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM processed_emails`); err != nil {
		return fmt.Errorf("clearing processed emails: %w", err)
	}

	for position, email := range emails {
		row, err := newEmailRow(position, email)
		if err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO processed_emails (
				position, id, message_id, from_addr, subject, received_at,
				preview, body_html, summary, category, todos, events
			) VALUES (
				:position, :id, :message_id, :from_addr, :subject, :received_at,
				:preview, :body_html, :summary, :category, :todos, :events
			)`, sqliteRowFrom(row))
		if err != nil {
			return fmt.Errorf("inserting processed email %s: %w", email.ID, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetProcessed(ctx context.Context, id string) (domain.ProcessedEmail, error) {
	var row sqliteEmailRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM processed_emails WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessedEmail{}, ErrNotFound
	}
	if err != nil {
		return domain.ProcessedEmail{}, fmt.Errorf("query processed email: %w", err)
	}
	return row.toDomain()
}

func (r *SQLiteRepository) LoadStatus(ctx context.Context) (domain.RefreshStatus, error) {
	var row sqliteStatusRow
	err := r.db.GetContext(ctx, &row, `SELECT status, message, last_updated, count FROM refresh_status WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdleStatus(), nil
	}
	if err != nil {
		return domain.RefreshStatus{}, fmt.Errorf("query refresh status: %w", err)
	}

	lastUpdated, err := parseStoredTime(row.LastUpdated)
	if err != nil {
		return domain.RefreshStatus{}, fmt.Errorf("decode refresh status time: %w", err)
	}
	return normalizeStatus(domain.RefreshStatus{
		Status:      domain.RefreshState(row.Status),
		Message:     row.Message,
		LastUpdated: lastUpdated,
		Count:       row.Count,
	}), nil
}

func (r *SQLiteRepository) SaveStatus(ctx context.Context, status domain.RefreshStatus) error {
	status = normalizeStatus(status)
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO refresh_status (id, status, message, last_updated, count)
		VALUES (1, ?, ?, ?, ?)
	`, string(status.Status), status.Message, formatStoredTime(status.LastUpdated), status.Count)
	if err != nil {
		return fmt.Errorf("saving refresh status: %w", err)
	}
	return nil
}

func sqliteRowFrom(row emailRow) sqliteEmailRow {
	return sqliteEmailRow{
		Position:   row.Position,
		ID:         row.ID,
		MessageID:  row.MessageID,
		FromAddr:   row.FromAddr,
		Subject:    row.Subject,
		ReceivedAt: formatStoredTime(row.ReceivedAt),
		Preview:    row.Preview,
		BodyHTML:   row.BodyHTML,
		Summary:    row.Summary,
		Category:   row.Category,
		Todos:      string(row.Todos),
		Events:     string(row.Events),
	}
}

func (row sqliteEmailRow) toDomain() (domain.ProcessedEmail, error) {
	receivedAt, err := parseStoredTime(row.ReceivedAt)
	if err != nil {
		return domain.ProcessedEmail{}, fmt.Errorf("decode received_at for %s: %w", row.ID, err)
	}
	return emailRow{
		Position:   row.Position,
		ID:         row.ID,
		MessageID:  row.MessageID,
		FromAddr:   row.FromAddr,
		Subject:    row.Subject,
		ReceivedAt: receivedAt,
		Preview:    row.Preview,
		BodyHTML:   row.BodyHTML,
		Summary:    row.Summary,
		Category:   row.Category,
		Todos:      []byte(row.Todos),
		Events:     []byte(row.Events),
	}.toDomain()
}

func formatStoredTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
