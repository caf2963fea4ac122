package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rand/council/internal/council"
	"github.com/tidwall/gjson"
)

// FileStore keeps one JSON document per conversation.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding conversation files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create writes a new empty conversation.
func (s *FileStore) Create(_ context.Context, id string) (*council.Conversation, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(id)); err == nil {
		return nil, fmt.Errorf("conversation %s already exists", id)
	}
	conv := newConversation(id)
	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get loads a conversation, or nil when there is none.
func (s *FileStore) Get(_ context.Context, id string) (*council.Conversation, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id)
}

// AppendUserMessage adds a user message.
func (s *FileStore) AppendUserMessage(_ context.Context, id, text string) error {
	return s.update(id, func(c *council.Conversation) {
		c.Messages = append(c.Messages, council.UserMessage(text))
	})
}

// AppendAssistantTurn adds a completed turn.
func (s *FileStore) AppendAssistantTurn(_ context.Context, id string, turn *council.TurnResult) error {
	if turn == nil {
		return errors.New("nil turn")
	}
	return s.update(id, func(c *council.Conversation) {
		c.Messages = append(c.Messages, council.AssistantMessage(turn))
	})
}

// UpdateTitle replaces the title.
func (s *FileStore) UpdateTitle(_ context.Context, id, title string) error {
	return s.update(id, func(c *council.Conversation) {
		c.Title = title
	})
}

// List summarizes every conversation, newest first. Documents are scanned
// with gjson so message bodies are never decoded.
func (s *FileStore) List(_ context.Context) ([]council.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read conversations directory: %w", err)
	}

	summaries := make([]council.Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			slog.Warn("Skipping unreadable conversation", "file", e.Name(), "error", err)
			continue
		}
		if !gjson.ValidBytes(data) {
			slog.Warn("Skipping malformed conversation", "file", e.Name())
			continue
		}
		fields := gjson.GetManyBytes(data, "id", "created_at", "title", "messages.#")
		created, _ := time.Parse(time.RFC3339Nano, fields[1].String())
		summaries = append(summaries, council.Summary{
			ID:           fields[0].String(),
			CreatedAt:    created,
			Title:        fields[2].String(),
			MessageCount: int(fields[3].Int()),
		})
	}
	sortNewestFirst(summaries)
	return summaries, nil
}

// Delete removes a conversation file.
func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) update(id string, fn func(*council.Conversation)) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(id)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(conv)
	return s.write(conv)
}

func (s *FileStore) read(id string) (*council.Conversation, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	var conv council.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	if conv.Messages == nil {
		conv.Messages = []council.Message{}
	}
	return &conv, nil
}

// write replaces the document atomically through a temp file and rename.
func (s *FileStore) write(conv *council.Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+conv.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(conv.ID)); err != nil {
		return fmt.Errorf("replace conversation: %w", err)
	}
	return nil
}

func sortNewestFirst(summaries []council.Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
		}
		return summaries[i].ID < summaries[j].ID
	})
}
