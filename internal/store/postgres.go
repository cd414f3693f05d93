package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres implements MessageStore against the platform's PostgreSQL
// database.
type Postgres struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN and verifies the
// connection.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle. Used by tests.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the embedded schema migrations.
func (p *Postgres) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(p.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// InsertMessage records a workflow message and returns its assigned id.
func (p *Postgres) InsertMessage(ctx context.Context, sessionID, sender, kind, content string, mediaFileID *int64, shareToken string) (int64, error) {
	var token sql.NullString
	if shareToken != "" {
		token = sql.NullString{String: shareToken, Valid: true}
	}

	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO workflow_messages (workflow_id, sender_email, kind, content, media_file_id, share_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id`,
		sessionID, sender, kind, content, mediaFileID, token,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	return id, nil
}

// ListParticipants returns the identities registered against the workflow.
func (p *Postgres) ListParticipants(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT participant_email FROM workflow_participants
		WHERE workflow_id = $1
		ORDER BY participant_email`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}
	defer rows.Close()

	var identities []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("store: scan participant: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}
	return identities, nil
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}
