// Package store persists council conversations. Every backend satisfies the
// same Store contract so callers never depend on which one is active.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rand/council/internal/council"
)

// ErrNotFound is returned by writes that target a missing conversation.
var ErrNotFound = errors.New("conversation not found")

// Store is the durable conversation log.
//
// Get returns nil, nil for a missing conversation. Writes to a missing
// conversation fail with ErrNotFound. List is ordered newest first.
type Store interface {
	Create(ctx context.Context, id string) (*council.Conversation, error)
	Get(ctx context.Context, id string) (*council.Conversation, error)
	AppendUserMessage(ctx context.Context, id, text string) error
	AppendAssistantTurn(ctx context.Context, id string, turn *council.TurnResult) error
	UpdateTitle(ctx context.Context, id, title string) error
	List(ctx context.Context) ([]council.Summary, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Config selects and configures a store.
type Config struct {
	Backend Backend `json:"backend" yaml:"backend" toml:"backend" jsonschema:"description=Primary storage backend,enum=file,enum=sqlite,default=file"`

	// Replica mirrors every write to a second backend. Reads fall back to it
	// when the primary has no record.
	Replica Backend `json:"replica,omitempty" yaml:"replica,omitempty" toml:"replica" jsonschema:"description=Optional mirror backend,enum=,enum=file,enum=sqlite"`
}

// DefaultConfig stores conversations as JSON files.
func DefaultConfig() Config {
	return Config{Backend: BackendFile}
}

// Validate checks the backend names.
func (c Config) Validate() error {
	if err := c.Backend.validate(); err != nil {
		return err
	}
	if c.Replica != "" {
		if err := c.Replica.validate(); err != nil {
			return err
		}
		if c.Replica == c.Backend {
			return fmt.Errorf("storage replica must differ from backend %q", c.Backend)
		}
	}
	return nil
}

func (b Backend) validate() error {
	switch b {
	case BackendFile, BackendSQLite:
		return nil
	default:
		return fmt.Errorf("unknown storage backend %q", b)
	}
}

// Open builds the configured store rooted at dataDir.
func Open(cfg Config, dataDir string) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	primary, err := open(cfg.Backend, dataDir)
	if err != nil {
		return nil, err
	}
	if cfg.Replica == "" {
		return primary, nil
	}
	replica, err := open(cfg.Replica, dataDir)
	if err != nil {
		primary.Close()
		return nil, err
	}
	return NewMirror(primary, replica), nil
}

func open(b Backend, dataDir string) (Store, error) {
	switch b {
	case BackendSQLite:
		return NewSQLiteStore(SQLiteOptions{Path: filepath.Join(dataDir, "council.db"), CreateIfNotExists: true})
	default:
		return NewFileStore(filepath.Join(dataDir, "conversations"))
	}
}

// NewID returns a fresh conversation id.
func NewID() string {
	return uuid.New().String()
}

// ValidateID rejects ids that cannot be used as file names.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("conversation id required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid conversation id %q", id)
	}
	return nil
}

func newConversation(id string) *council.Conversation {
	return &council.Conversation{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Title:     council.DefaultTitle,
		Messages:  []council.Message{},
	}
}
