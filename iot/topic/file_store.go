package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileStore implements Store with one JSON file per topic
type FileStore struct {
	dir string
}

// NewFileStore creates a file-based snapshot store rooted at dir
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// SaveAll writes every topic to its own file
func (fs *FileStore) SaveAll(ctx context.Context, topics []Topic) error {
	for _, t := range topics {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fs.Save(t); err != nil {
			return err
		}
	}
	return nil
}

// Save persists a single topic snapshot
func (fs *FileStore) Save(t Topic) error {
	if t.Name == "" {
		return fmt.Errorf("topic name cannot be empty")
	}

	data, err := json.MarshalIndent(snapshot(t), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal topic %s: %w", t.Name, err)
	}

	// Write to a temp file first so a crash never leaves a truncated snapshot
	path := fs.filePath(t.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write topic file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace topic file: %w", err)
	}
	return nil
}

// LoadAll reads every snapshot in the directory. Unreadable files are
// reported as an error rather than skipped.
func (fs *FileStore) LoadAll(ctx context.Context) ([]Topic, error) {
	names, err := fs.ListAll()
	if err != nil {
		return nil, err
	}

	topics := make([]Topic, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := fs.Load(name)
		if err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, nil
}

// Load reads a single topic snapshot
func (fs *FileStore) Load(name string) (Topic, error) {
	data, err := os.ReadFile(fs.filePath(name))
	if err != nil {
		return Topic{}, fmt.Errorf("failed to read topic file: %w", err)
	}

	var t Topic
	if err := json.Unmarshal(data, &t); err != nil {
		return Topic{}, fmt.Errorf("failed to unmarshal topic %s: %w", name, err)
	}
	return t, nil
}

// ListAll returns the names of all persisted topics
func (fs *FileStore) ListAll() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Exists checks if a snapshot exists for the topic
func (fs *FileStore) Exists(name string) bool {
	_, err := os.Stat(fs.filePath(name))
	return err == nil
}

func (fs *FileStore) Close(context.Context) error { return nil }

// filePath escapes the topic name since device names may contain separators
func (fs *FileStore) filePath(name string) string {
	return filepath.Join(fs.dir, url.PathEscape(name)+".json")
}
