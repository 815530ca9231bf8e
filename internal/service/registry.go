package service

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const stackDirPrefix = "stack_"

// Registry enumerates stacks from the stacks root directory. A stack exists when
// stack_<id>/ holds a regular compose.yaml; nothing else is consulted.
//
// The root is created on first touch, so a missing root always reads as zero stacks.
type Registry struct {
	root string
}

// NewRegistry creates a Registry over root.
func NewRegistry(root string) *Registry {
	return &Registry{root: root}
}

// Root returns the stacks root directory.
func (r *Registry) Root() string { return r.root }

// Dir returns the directory of stack id.
func (r *Registry) Dir(id int) string {
	return filepath.Join(r.root, stackDirPrefix+strconv.Itoa(id))
}

// ManifestPath returns the manifest path of stack id.
func (r *Registry) ManifestPath(id int) string {
	return filepath.Join(r.Dir(id), ManifestFile)
}

// List returns the ids of all stacks in ascending order. Entries that do not
// follow the stack_<id> convention or lack a manifest are skipped.
func (r *Registry) List() ([]int, error) {
	ids, _, err := r.scan()
	return ids, err
}

// Exists reports whether stack id has a directory and a manifest.
func (r *Registry) Exists(id int) bool {
	if id <= 0 {
		return false
	}
	info, err := os.Stat(r.ManifestPath(id))
	return err == nil && info.Mode().IsRegular()
}

func (r *Registry) ensureRoot() error {
	if err := os.MkdirAll(r.root, 0755); err != nil {
		return fsErr("list", 0, "cannot create stacks directory", err)
	}
	return nil
}

// scan returns the ids of complete stacks plus the largest id among all
// stack_<id> directories, with or without a manifest, so a fresh id never
// collides with a leftover directory.
func (r *Registry) scan() ([]int, int, error) {
	if err := r.ensureRoot(); err != nil {
		return nil, 0, err
	}
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, 0, fsErr("list", 0, "cannot read stacks directory", err)
	}

	var ids []int
	high := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, ok := parseStackDir(entry.Name())
		if !ok {
			continue
		}
		high = max(high, id)

		info, err := os.Stat(filepath.Join(r.root, entry.Name(), ManifestFile))
		if err == nil && info.Mode().IsRegular() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, high, nil
}

// parseStackDir accepts only canonical names: "stack_7", not "stack_07" or "stack_-1".
func parseStackDir(name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, stackDirPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(suffix)
	if err != nil || id <= 0 || strconv.Itoa(id) != suffix {
		return 0, false
	}
	return id, true
}
