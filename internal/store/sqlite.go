package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"

	"github.com/rand/council/internal/council"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore keeps conversations in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// SQLiteOptions configures the SQLite store.
type SQLiteOptions struct {
	// Path to the database file. If empty, uses an in-memory database.
	Path string

	// CreateIfNotExists creates the parent directory if it doesn't exist.
	CreateIfNotExists bool
}

// NewSQLiteStore opens the database and applies pending migrations.
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	var dsn string
	if opts.Path == "" {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	} else {
		if opts.CreateIfNotExists {
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = "file:" + opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.Path == "" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: opts.Path}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("Applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Create inserts an empty conversation.
func (s *SQLiteStore) Create(ctx context.Context, id string) (*council.Conversation, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := newConversation(id)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, title) VALUES (?, ?, ?)`,
		conv.ID, conv.CreatedAt.UnixNano(), conv.Title)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// Get loads a conversation with its messages, or nil when there is none.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*council.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		created int64
		conv    = &council.Conversation{ID: id, Messages: []council.Message{}}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, title FROM conversations WHERE id = ?`, id,
	).Scan(&created, &conv.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	conv.CreatedAt = time.Unix(0, created).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, turn FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg  council.Message
			turn sql.NullString
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &turn); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if turn.Valid && turn.String != "" {
			msg.TurnResult = &council.TurnResult{}
			if err := json.Unmarshal([]byte(turn.String), msg.TurnResult); err != nil {
				return nil, fmt.Errorf("decode turn: %w", err)
			}
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return conv, nil
}

// AppendUserMessage adds a user message.
func (s *SQLiteStore) AppendUserMessage(ctx context.Context, id, text string) error {
	return s.appendMessage(ctx, id, council.RoleUser, text, nil)
}

// AppendAssistantTurn adds a completed turn.
func (s *SQLiteStore) AppendAssistantTurn(ctx context.Context, id string, turn *council.TurnResult) error {
	if turn == nil {
		return errors.New("nil turn")
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	return s.appendMessage(ctx, id, council.RoleAssistant, "", data)
}

func (s *SQLiteStore) appendMessage(ctx context.Context, id string, role council.Role, content string, turn []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT MAX(seq) FROM messages WHERE conversation_id = ?), -1) + 1
		 FROM conversations WHERE id = ?`, id, id,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("next message sequence: %w", err)
	}

	var turnArg any
	if turn != nil {
		turnArg = string(turn)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, role, content, turn) VALUES (?, ?, ?, ?, ?)`,
		id, next, string(role), content, turnArg,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// UpdateTitle replaces the title.
func (s *SQLiteStore) UpdateTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	return requireRow(res, id)
}

// List summarizes every conversation, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]council.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.title,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.created_at DESC, c.id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := []council.Summary{}
	for rows.Next() {
		var (
			sum     council.Summary
			created int64
		)
		if err := rows.Scan(&sum.ID, &created, &sum.Title, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		sum.CreatedAt = time.Unix(0, created).UTC()
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Delete removes a conversation and its messages.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireRow(res, id)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
