package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists one JSON file per message under a directory per queue
// name. Writes go through a temp file and rename so a crash mid-write never
// leaves a truncated record.
type FileStore struct {
	root string
}

// NewFileStore creates a file-backed store rooted at dir
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dlq store root: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) queueDir(queue string) string {
	return filepath.Join(s.root, sanitize(queue))
}

func (s *FileStore) path(queue, id string) string {
	return filepath.Join(s.queueDir(queue), sanitize(id)+".json")
}

// Save implements Store
func (s *FileStore) Save(ctx context.Context, queue string, msg *Message) error {
	dir := s.queueDir(queue)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create queue dir: %w", err)
	}

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}

	tmp := s.path(queue, msg.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write message %s: %w", msg.ID, err)
	}
	if err := os.Rename(tmp, s.path(queue, msg.ID)); err != nil {
		return fmt.Errorf("failed to commit message %s: %w", msg.ID, err)
	}
	return nil
}

// Load implements Store
func (s *FileStore) Load(ctx context.Context, queue, id string) (*Message, error) {
	data, err := os.ReadFile(s.path(queue, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to read message %s: %w", id, err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	return &msg, nil
}

// LoadAll implements Store
func (s *FileStore) LoadAll(ctx context.Context, queue string) ([]*Message, error) {
	entries, err := os.ReadDir(s.queueDir(queue))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list queue %s: %w", queue, err)
	}

	var msgs []*Message
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.queueDir(queue), e.Name()))
		if err != nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Skip corrupt records rather than failing the whole restore
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Delete implements Store
func (s *FileStore) Delete(ctx context.Context, queue, id string) error {
	err := os.Remove(s.path(queue, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// sanitize keeps queue names and ids filesystem-safe
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
