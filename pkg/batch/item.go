package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Sternrassler/squeeze/pkg/client"
	"github.com/spf13/afero"
)

// ErrInvalidTransition is returned when an item is moved out of a terminal
// state or skips InProgress.
var ErrInvalidTransition = errors.New("invalid item state transition")

// Status is the lifecycle position of one item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// allowed lists the legal transitions.
var allowed = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusSkipped},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// ItemState is the mutable outcome of one item.
type ItemState struct {
	Status          Status            `json:"status"`
	CompressedSize  int64             `json:"compressed_size,omitempty"`
	CompressedBytes []byte            `json:"-"`
	OutputType      string            `json:"output_type,omitempty"`
	Extension       string            `json:"extension,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorClass      client.ErrorClass `json:"error_class,omitempty"`
}

// Source yields the bytes of an input image.
type Source interface {
	Load(ctx context.Context) ([]byte, error)
}

type bytesSource []byte

func (b bytesSource) Load(context.Context) ([]byte, error) {
	return b, nil
}

// BytesSource wraps in-memory image data.
func BytesSource(data []byte) Source {
	return bytesSource(data)
}

type fileSource struct {
	fs   afero.Fs
	path string
}

func (f fileSource) Load(context.Context) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return data, nil
}

// FileSource reads the image from path on fs when the item starts.
func FileSource(fs afero.Fs, path string) Source {
	return fileSource{fs: fs, path: path}
}

// Item is one image of a batch. Its state is written only by the
// orchestrator and is safe to read concurrently.
type Item struct {
	Name         string
	Path         string
	Source       Source
	OriginalSize int64

	mu    sync.RWMutex
	state ItemState
}

// NewItem creates a pending item.
func NewItem(name string, source Source, originalSize int64) *Item {
	return &Item{
		Name:         name,
		Source:       source,
		OriginalSize: originalSize,
		state:        ItemState{Status: StatusPending},
	}
}

// NewBytesItem creates a pending item backed by data.
func NewBytesItem(name string, data []byte) *Item {
	return NewItem(name, BytesSource(data), int64(len(data)))
}

// ItemsFromPaths builds pending file-backed items, taking sizes from Stat.
func ItemsFromPaths(fs afero.Fs, paths []string) ([]*Item, error) {
	items := make([]*Item, 0, len(paths))
	for _, p := range paths {
		info, err := fs.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		item := NewItem(filepath.Base(p), FileSource(fs, p), info.Size())
		item.Path = p
		items = append(items, item)
	}
	return items, nil
}

// State returns a copy of the current state.
func (i *Item) State() ItemState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Status returns the current status.
func (i *Item) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state.Status
}

// Result converts the item outcome into a client result.
func (i *Item) Result() *client.Result {
	st := i.State()
	if st.Status != StatusCompleted {
		msg := st.ErrorMessage
		if st.Status == StatusSkipped {
			msg = "skipped"
		}
		return client.Failure(i.OriginalSize, msg)
	}
	return &client.Result{
		Success:        true,
		OriginalSize:   i.OriginalSize,
		CompressedSize: st.CompressedSize,
		Data:           st.CompressedBytes,
		OutputType:     st.OutputType,
		Extension:      st.Extension,
	}
}

// transition moves the item to next and applies mutate under the lock.
func (i *Item) transition(next Status, mutate func(*ItemState)) (ItemState, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !canTransition(i.state.Status, next) {
		return i.state, fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, i.state.Status, next, i.Name)
	}
	i.state.Status = next
	if mutate != nil {
		mutate(&i.state)
	}
	return i.state, nil
}

func canTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (i *Item) start() error {
	_, err := i.transition(StatusInProgress, nil)
	return err
}

func (i *Item) complete(r *client.Result) (ItemState, error) {
	return i.transition(StatusCompleted, func(s *ItemState) {
		s.CompressedSize = r.CompressedSize
		s.CompressedBytes = r.Data
		s.OutputType = r.OutputType
		s.Extension = r.Extension
	})
}

func (i *Item) fail(message string, class client.ErrorClass) (ItemState, error) {
	return i.transition(StatusFailed, func(s *ItemState) {
		s.ErrorMessage = message
		s.ErrorClass = class
	})
}

func (i *Item) skip() (ItemState, error) {
	return i.transition(StatusSkipped, func(s *ItemState) {
		s.ErrorMessage = "cancelled"
	})
}
