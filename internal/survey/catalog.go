// Package survey runs the member surveys: a YAML catalog reloaded on
// change, one ballot per member, and aggregated results.
package survey

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Option is one answer of a survey
type Option struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label"`
}

// Survey is a question put to the members. Anonymous surveys never store
// who voted.
type Survey struct {
	ID          string    `yaml:"id" json:"id"`
	Question    string    `yaml:"question" json:"question"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Anonymous   bool      `yaml:"anonymous" json:"anonymous"`
	StartDate   time.Time `yaml:"start_date" json:"start_date"`
	EndDate     time.Time `yaml:"end_date" json:"end_date,omitempty"`
	Options     []Option  `yaml:"options" json:"options"`
}

// Active reports whether now falls in the survey window. A zero end date
// leaves the survey open.
func (s Survey) Active(now time.Time) bool {
	if now.Before(s.StartDate) {
		return false
	}
	return s.EndDate.IsZero() || !now.After(s.EndDate)
}

// Option returns the option with the given id
func (s Survey) Option(id string) (Option, bool) {
	for _, o := range s.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

type catalogFile struct {
	Surveys []Survey `yaml:"surveys"`
}

// Parse decodes and checks a YAML catalog
func Parse(data []byte) ([]Survey, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid survey catalog: %w", err)
	}

	seen := map[string]bool{}
	for _, s := range f.Surveys {
		if s.ID == "" || s.Question == "" {
			return nil, fmt.Errorf("survey %q: id and question are required", s.ID)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("survey %q: duplicate id", s.ID)
		}
		seen[s.ID] = true

		if len(s.Options) < 2 {
			return nil, fmt.Errorf("survey %q: at least two options are required", s.ID)
		}
		options := map[string]bool{}
		for _, o := range s.Options {
			if o.ID == "" || options[o.ID] {
				return nil, fmt.Errorf("survey %q: option ids must be set and unique", s.ID)
			}
			options[o.ID] = true
		}
		if !s.EndDate.IsZero() && s.EndDate.Before(s.StartDate) {
			return nil, fmt.Errorf("survey %q: end_date is before start_date", s.ID)
		}
	}

	sort.SliceStable(f.Surveys, func(i, j int) bool {
		return f.Surveys[i].StartDate.After(f.Surveys[j].StartDate)
	})
	return f.Surveys, nil
}

// Catalog holds the current surveys. It is safe for concurrent use.
type Catalog struct {
	path string

	mu      sync.RWMutex
	surveys []Survey
	byID    map[string]Survey
}

// NewCatalog creates a catalog holding surveys, with no backing file
func NewCatalog(surveys []Survey) *Catalog {
	c := &Catalog{}
	c.set(surveys)
	return c
}

// LoadCatalog reads the catalog file at path. A missing file yields an
// empty catalog that fills in once the file appears.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	c.set(nil)
	if err := c.Reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) set(surveys []Survey) {
	byID := make(map[string]Survey, len(surveys))
	for _, s := range surveys {
		byID[s.ID] = s
	}

	c.mu.Lock()
	c.surveys = surveys
	c.byID = byID
	c.mu.Unlock()
}

// Reload reads the backing file again. On error the current surveys are
// kept.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	surveys, err := Parse(data)
	if err != nil {
		return err
	}
	c.set(surveys)
	log.WithFields(log.Fields{"path": c.path, "surveys": len(surveys)}).Info("survey catalog loaded")
	return nil
}

// All returns every survey, newest first
func (c *Catalog) All() []Survey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Survey(nil), c.surveys...)
}

// Active returns the surveys open at now
func (c *Catalog) Active(now time.Time) []Survey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []Survey{}
	for _, s := range c.surveys {
		if s.Active(now) {
			out = append(out, s)
		}
	}
	return out
}

// Get returns a survey by id
func (c *Catalog) Get(id string) (Survey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	return s, ok
}

// Watch reloads the catalog when its file changes, until ctx is done.
// Editors often replace the file, so the parent directory is watched and
// bursts of events are folded into one reload after debounce.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration) error {
	if c.path == "" {
		return fmt.Errorf("catalog has no backing file")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(c.path)
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()

		timer := time.NewTimer(debounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					timer.Reset(debounce)
				}

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("survey catalog watcher error")

			case <-timer.C:
				if err := c.Reload(); err != nil {
					log.WithError(err).WithField("path", c.path).Error("survey catalog reload failed, keeping previous surveys")
				}
			}
		}
	}()

	return nil
}
