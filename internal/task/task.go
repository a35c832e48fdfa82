// Package task persists the small property files that describe one unit of
// build work.
package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Well-known property keys.
const (
	KeyApplication     = "application"
	KeyArguments       = "arguments"
	KeyHostname        = "hostname"
	KeyStatus          = "status"
	KeyLastMessage     = "last message"
	KeyLastMessageTime = "last message time"
)

// Status values written by task-side logic.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Extension is the file extension used for task descriptors in a task directory.
const Extension = ".task"

// File is a task descriptor backed by a YAML property file.
type File struct {
	path string

	mu    sync.RWMutex
	props map[string]string
}

// New returns an unsaved descriptor for path.
func New(path string, props map[string]string) *File {
	f := &File{path: path, props: make(map[string]string, len(props))}
	for k, v := range props {
		f.props[k] = v
	}
	return f
}

// Load reads a descriptor from disk.
func Load(path string) (*File, error) {
	f := &File{path: path, props: map[string]string{}}
	if err := f.Read(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the file the descriptor persists to.
func (f *File) Path() string { return f.path }

// Name is the descriptor's base name, used to label build operations.
func (f *File) Name() string { return filepath.Base(f.path) }

// Property returns a property and whether it was set.
func (f *File) Property(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.props[key]
	return v, ok
}

// SetProperty sets a property in memory; call Write to persist it.
func (f *File) SetProperty(key, value string) {
	f.mu.Lock()
	f.props[key] = value
	f.mu.Unlock()
}

// Properties returns a copy of all properties.
func (f *File) Properties() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.props))
	for k, v := range f.props {
		out[k] = v
	}
	return out
}

// Read replaces the in-memory properties with the file contents.
func (f *File) Read() error {
	content, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read task %s: %w", f.path, err)
	}
	props := map[string]string{}
	if err := yaml.Unmarshal(content, &props); err != nil {
		return fmt.Errorf("parse task %s: %w", f.path, err)
	}
	f.mu.Lock()
	f.props = props
	f.mu.Unlock()
	return nil
}

// Write persists the properties. The file is replaced atomically so that a
// concurrently inspecting process never sees a partial descriptor.
func (f *File) Write() error {
	f.mu.RLock()
	content, err := yaml.Marshal(f.props)
	f.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode task %s: %w", f.path, err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir task dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".task-*")
	if err != nil {
		return fmt.Errorf("create temp task: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write task %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close task %s: %w", f.path, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace task %s: %w", f.path, err)
	}
	return nil
}

// Discover loads every descriptor in dir, sorted by file name.
func Discover(dir string) ([]*File, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+Extension))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var (
		files []*File
		errs  []error
	)
	for _, m := range matches {
		f, err := Load(m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, f)
	}
	return files, errors.Join(errs...)
}
