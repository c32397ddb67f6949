// Package registry provides durable storage for instance records. Each
// instance owns a directory under the data root holding its record.json plus
// generated artifacts (proxy config, credential file, certificate files).
// Records are written atomically via temp-file-then-rename so a crash never
// leaves a half-written record on disk.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/proxfleet/proxfleet/internal/instance"
	"github.com/proxfleet/proxfleet/internal/ports"
)

const recordFileName = "record.json"

// Registry is the on-disk instance store. All mutations take the registry
// lock so name and port uniqueness checks are atomic with the writes that
// depend on them.
type Registry struct {
	root string // instances directory

	mu sync.Mutex
}

// Open loads (or creates) the instance store rooted at dir. Subdirectories
// without a readable record.json are skipped with an error only when the
// file exists but is corrupt; an empty directory is tolerated.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create instances directory: %w", err)
	}
	r := &Registry{root: dir}
	// Validate everything on disk up front so a corrupt record fails the
	// daemon at startup instead of mid-operation.
	if _, err := r.List(); err != nil {
		return nil, err
	}
	return r, nil
}

// InstanceDir returns the directory owned by the named instance.
func (r *Registry) InstanceDir(name string) string {
	return filepath.Join(r.root, name)
}

// Create validates rec, checks name and port uniqueness against all stored
// records, and persists it. The record's CreatedAt is stamped here.
func (r *Registry) Create(rec *instance.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.listLocked()
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Name == rec.Name {
			return fmt.Errorf("instance %q: %w", rec.Name, instance.ErrNameConflict)
		}
	}
	if err := ports.Reserve(rec.Port, existing, ""); err != nil {
		return err
	}

	rec.CreatedAt = time.Now().UTC()
	if err := os.MkdirAll(r.InstanceDir(rec.Name), 0700); err != nil {
		return fmt.Errorf("create instance directory: %w", err)
	}
	return r.writeRecord(rec)
}

// Get returns the stored record for name.
func (r *Registry) Get(name string) (*instance.Record, error) {
	if err := instance.ValidateName(name); err != nil {
		return nil, err
	}
	return r.readRecord(name)
}

// List returns all stored records sorted by name.
func (r *Registry) List() ([]*instance.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// Update applies mutate to the stored record for name and persists the
// result atomically under the registry lock. Port changes are re-checked
// against all other instances; name changes are rejected.
func (r *Registry) Update(name string, mutate func(*instance.Record) error) (*instance.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.readRecord(name)
	if err != nil {
		return nil, err
	}
	if err := mutate(rec); err != nil {
		return nil, err
	}
	if rec.Name != name {
		return nil, &instance.ValidationError{Field: "name", Reason: "cannot be changed"}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	existing, err := r.listLocked()
	if err != nil {
		return nil, err
	}
	if err := ports.Reserve(rec.Port, existing, name); err != nil {
		return nil, err
	}

	if err := r.writeRecord(rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Delete removes the instance's record and its whole directory, including
// generated config, credentials, and certificates.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.readRecord(name); err != nil {
		return err
	}
	if err := os.RemoveAll(r.InstanceDir(name)); err != nil {
		return fmt.Errorf("remove instance directory: %w", err)
	}
	return nil
}

func (r *Registry) listLocked() ([]*instance.Record, error) {
	dirEntries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("read instances directory: %w", err)
	}

	var recs []*instance.Record
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		rec, err := r.readRecord(de.Name())
		if errors.Is(err, instance.ErrNotFound) {
			continue // directory without a record yet
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

func (r *Registry) readRecord(name string) (*instance.Record, error) {
	path := filepath.Join(r.InstanceDir(name), recordFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("instance %q: %w", name, instance.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read record for %q: %w", name, err)
	}

	var rec instance.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record for %q: %w", name, err)
	}
	if rec.Name != name {
		return nil, fmt.Errorf("record in %q names instance %q", name, rec.Name)
	}
	return &rec, nil
}

func (r *Registry) writeRecord(rec *instance.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record for %q: %w", rec.Name, err)
	}

	dir := r.InstanceDir(rec.Name)
	tmp, err := os.CreateTemp(dir, ".record-*.json")
	if err != nil {
		return fmt.Errorf("write record for %q: %w", rec.Name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write record for %q: %w", rec.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write record for %q: %w", rec.Name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, recordFileName)); err != nil {
		return fmt.Errorf("write record for %q: %w", rec.Name, err)
	}
	return nil
}
