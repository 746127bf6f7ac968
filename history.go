package vcamrelay

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultHistorySize is the number of URLs remembered.
const DefaultHistorySize = 10

// History is the bounded, most-recent-first list of stream URLs the user
// has started. Duplicates move to the front instead of repeating.
type History struct {
	mu   sync.Mutex
	path string
	max  int
	urls []string
}

type historyFile struct {
	URLs []string `yaml:"urls"`
}

// NewHistory returns an empty history persisted at path. An empty path
// keeps the history in memory only.
func NewHistory(path string, max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{path: path, max: max}
}

// Add moves url to the front, evicting the oldest entry past the cap, and
// returns the new list.
func (h *History) Add(url string) []string {
	if url == "" {
		return h.List()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	urls := make([]string, 0, h.max)
	urls = append(urls, url)
	for _, u := range h.urls {
		if u == url {
			continue
		}
		if len(urls) == h.max {
			break
		}
		urls = append(urls, u)
	}
	h.urls = urls
	return append([]string(nil), h.urls...)
}

// List returns a copy of the history, most recent first.
func (h *History) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.urls...)
}

// Load replaces the history with the file contents. A missing file leaves
// the history empty.
func (h *History) Load() error {
	if h.path == "" {
		return nil
	}

	data, err := os.ReadFile(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vcam-relay: reading history: %w", err)
	}

	var file historyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("vcam-relay: parsing history %s: %w", h.path, err)
	}

	h.mu.Lock()
	h.urls = nil
	h.mu.Unlock()

	// Re-add oldest first so the file is normalised through the same rules.
	for i := len(file.URLs) - 1; i >= 0; i-- {
		h.Add(file.URLs[i])
	}
	return nil
}

// Save writes the history atomically (temp file + rename).
func (h *History) Save() error {
	if h.path == "" {
		return nil
	}

	data, err := yaml.Marshal(historyFile{URLs: h.List()})
	if err != nil {
		return fmt.Errorf("vcam-relay: encoding history: %w", err)
	}

	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vcam-relay: creating history dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*")
	if err != nil {
		return fmt.Errorf("vcam-relay: writing history: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vcam-relay: writing history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vcam-relay: writing history: %w", err)
	}
	if err := os.Rename(tmp.Name(), h.path); err != nil {
		return fmt.Errorf("vcam-relay: writing history: %w", err)
	}
	return nil
}
