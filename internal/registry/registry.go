// Package registry implements the Project Registry (C2): the set of
// known projects, their enablement, and per-project overrides (§4.2).
package registry

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/domain"
)

// RunningCounter reports how many tasks are currently running for a
// project, so Unregister can block until it reaches zero.
type RunningCounter func(projectID string) int

// Registry owns the project table (§4.2).
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*domain.Project
	byPath   map[string]string // filesystem_path -> id
	running  RunningCounter
}

// New constructs an empty Registry.
func New(running RunningCounter) *Registry {
	return &Registry{
		projects: make(map[string]*domain.Project),
		byPath:   make(map[string]string),
		running:  running,
	}
}

// Options carries register() overrides (§4.2).
type Options struct {
	ID            string
	Name          string
	Enabled       *bool
	Priority      *int
	Weight        *float64
	MaxConcurrent *int
	Tags          []string
	Metadata      map[string]string
}

// deriveID matches §4.2's "directory basename plus hash" contract for
// ids not explicitly supplied.
func deriveID(path string) string {
	sum := sha1.Sum([]byte(path))
	return filepath.Base(path) + "-" + hex.EncodeToString(sum[:])[:8]
}

// Register adds a new project, deriving its id when Options.ID is empty.
// A colliding id is rejected with AlreadyExists (wire-named per §4.2 as
// AlreadyRegistered, carried here as the closed taxonomy's AlreadyExists).
func (r *Registry) Register(path string, opts Options) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := opts.ID
	if id == "" {
		id = deriveID(path)
	}
	if _, exists := r.projects[id]; exists {
		return "", apperrors.Newf(apperrors.AlreadyExists, "project %q already registered", id)
	}

	p := domain.DefaultProject()
	p.ID = id
	p.Name = opts.Name
	if p.Name == "" {
		p.Name = filepath.Base(path)
	}
	p.FilesystemPath = path
	if opts.Enabled != nil {
		p.Enabled = *opts.Enabled
	}
	if opts.Priority != nil {
		p.Priority = *opts.Priority
	}
	if opts.Weight != nil {
		p.Weight = *opts.Weight
	}
	if opts.MaxConcurrent != nil {
		p.MaxConcurrent = *opts.MaxConcurrent
	}
	p.Tags = opts.Tags
	p.Metadata = opts.Metadata
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now

	r.projects[id] = &p
	r.byPath[path] = id
	return id, nil
}

// Unregister removes a project, blocking (by returning an error the
// caller retries) on running tasks unless force is set.
func (r *Registry) Unregister(id string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return apperrors.Newf(apperrors.NotFound, "project %q not found", id)
	}
	if !force && r.running != nil && r.running(id) > 0 {
		return apperrors.Newf(apperrors.Conflict, "project %q has running tasks", id)
	}
	delete(r.projects, id)
	delete(r.byPath, p.FilesystemPath)
	return nil
}

// Enable flips a project's soft-enable flag on.
func (r *Registry) Enable(id string) error { return r.setEnabled(id, true) }

// Disable flips a project's soft-enable flag off. Existing running
// tasks continue; only new scheduling is suppressed (§4.2).
func (r *Registry) Disable(id string) error { return r.setEnabled(id, false) }

func (r *Registry) setEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return apperrors.Newf(apperrors.NotFound, "project %q not found", id)
	}
	p.Enabled = enabled
	p.UpdatedAt = time.Now()
	return nil
}

// Patch is a partial update to a project's mutable fields.
type Patch struct {
	Name          *string
	Priority      *int
	Weight        *float64
	MaxConcurrent *int
	Tags          []string
	Metadata      map[string]string
}

// Update applies patch to the named project.
func (r *Registry) Update(id string, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return apperrors.Newf(apperrors.NotFound, "project %q not found", id)
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Priority != nil {
		p.Priority = *patch.Priority
	}
	if patch.Weight != nil {
		p.Weight = *patch.Weight
	}
	if patch.MaxConcurrent != nil {
		p.MaxConcurrent = *patch.MaxConcurrent
	}
	if patch.Tags != nil {
		p.Tags = patch.Tags
	}
	if patch.Metadata != nil {
		p.Metadata = patch.Metadata
	}
	p.UpdatedAt = time.Now()
	return nil
}

// Get returns a copy of a single project.
func (r *Registry) Get(id string) (domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return domain.Project{}, apperrors.Newf(apperrors.NotFound, "project %q not found", id)
	}
	return *p, nil
}

// GetByPath resolves a filesystem path to its project.
func (r *Registry) GetByPath(path string) (domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPath[path]
	if !ok {
		return domain.Project{}, apperrors.Newf(apperrors.NotFound, "no project registered at %q", path)
	}
	return *r.projects[id], nil
}

// List returns a stable-ordered snapshot of all projects.
func (r *Registry) List() []domain.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
