// Package tasks persists mirror tasks in a YAML file shared by the CLI
// and the daemon.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/lock"
)

// document is the on-disk layout
type document struct {
	Tasks []domain.MirrorTask `yaml:"tasks"`
}

// Store reads and writes tasks.yaml. Readers and writers hold a
// cross-process lock; writers replace the file atomically. Windows fails
// the rename while another process has the file open.
type Store struct {
	path    string
	mu      sync.Mutex
	newLock func() (*lock.FileLock, error)
	newID   func() string
}

// NewStore binds a store to path; the file is created on the first write
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("task file path cannot be empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}

	return &Store{
		path:    path,
		newLock: func() (*lock.FileLock, error) { return lock.New(dir, "tasks") },
		newID:   func() string { return uuid.New().String() },
	}, nil
}

// Path returns the task file
func (s *Store) Path() string {
	return s.path
}

// List returns every task in file order
func (s *Store) List() ([]domain.MirrorTask, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Tasks, nil
}

// Get returns the task with the exact id
func (s *Store) Get(id string) (domain.MirrorTask, error) {
	doc, err := s.read()
	if err != nil {
		return domain.MirrorTask{}, err
	}
	if i := doc.index(id); i >= 0 {
		return doc.Tasks[i], nil
	}
	return domain.MirrorTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
}

// Find resolves an exact id or an unambiguous id prefix, the way
// abbreviated ids are typed on the command line
func (s *Store) Find(ref string) (domain.MirrorTask, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.MirrorTask{}, fmt.Errorf("%w: empty id", domain.ErrTaskNotFound)
	}

	doc, err := s.read()
	if err != nil {
		return domain.MirrorTask{}, err
	}
	if i := doc.index(ref); i >= 0 {
		return doc.Tasks[i], nil
	}

	var matches []domain.MirrorTask
	for _, t := range doc.Tasks {
		if strings.HasPrefix(strings.ToLower(t.ID), strings.ToLower(ref)) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return domain.MirrorTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return domain.MirrorTask{}, fmt.Errorf("%w: %q matches %d tasks", domain.ErrTaskNotFound, ref, len(matches))
	}
}

// Save validates task and inserts or replaces it. A task without an id
// gets a new UUID; the stored task is returned.
func (s *Store) Save(ctx context.Context, task domain.MirrorTask) (domain.MirrorTask, error) {
	if err := task.Validate(); err != nil {
		return domain.MirrorTask{}, err
	}
	if task.ID == "" {
		task.ID = s.newID()
	}

	err := s.modify(ctx, "save", func(doc *document) error {
		if i := doc.index(task.ID); i >= 0 {
			doc.Tasks[i] = task
		} else {
			doc.Tasks = append(doc.Tasks, task)
		}
		return nil
	})
	if err != nil {
		return domain.MirrorTask{}, err
	}
	return task, nil
}

// Update applies fn to the stored task under the lock. Returning an error
// from fn leaves the file untouched.
func (s *Store) Update(ctx context.Context, id string, fn func(*domain.MirrorTask) error) (domain.MirrorTask, error) {
	var updated domain.MirrorTask
	err := s.modify(ctx, "update", func(doc *document) error {
		i := doc.index(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		task := doc.Tasks[i]
		if err := fn(&task); err != nil {
			return err
		}
		// the id is the key
		task.ID = id
		if err := task.Validate(); err != nil {
			return err
		}
		doc.Tasks[i] = task
		updated = task
		return nil
	})
	return updated, err
}

// Delete removes the task with id
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.modify(ctx, "delete", func(doc *document) error {
		i := doc.index(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		doc.Tasks = append(doc.Tasks[:i], doc.Tasks[i+1:]...)
		return nil
	})
}

func (s *Store) read() (*document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.newLock()
	if err != nil {
		return nil, err
	}
	var doc *document
	err = l.WithLock(context.Background(), "read", func() error {
		var err error
		doc, err = s.load()
		return err
	})
	return doc, err
}

func (s *Store) modify(ctx context.Context, owner string, fn func(*document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.newLock()
	if err != nil {
		return err
	}
	return l.WithLock(ctx, owner, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return s.write(doc)
	})
}

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConfigInvalid, s.path, err)
	}
	return &doc, nil
}

// write replaces the task file through a temp file in the same folder
func (s *Store) write(doc *document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode tasks: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tasks-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write tasks: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync tasks: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace task file: %w", err)
	}
	return nil
}

func (d *document) index(id string) int {
	for i, t := range d.Tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
