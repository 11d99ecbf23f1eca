// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package namespace implements the coordinator's in-memory directory
// tree: a rose tree of Directory/File nodes keyed by path segment,
// guarded by a single multi-reader/single-writer lock.
package namespace

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/minimega-labs/blockfs/internal/errs"
	"github.com/minimega-labs/blockfs/internal/model"
)

var validSegment = regexp.MustCompile(`^[A-Za-z0-9=_-]+$`)

// ValidateName checks a single path segment: non-empty, alphanumerics
// plus "= - _".
func ValidateName(name string) error {
	if name == "" {
		return errs.New(errs.FSError, "'' is not a valid directory name.")
	}
	if !validSegment.MatchString(name) {
		return errs.New(errs.FSError, "'%v' is not a valid directory name.", name)
	}
	return nil
}

// node is a tagged Directory/File variant. Exactly one of children or
// blocks is populated, selected by isFile.
type node struct {
	name     string
	isFile   bool
	children map[string]*node // directories only
	blocks   []model.Block    // files only
}

func newDir(name string) *node {
	return &node{name: name, children: make(map[string]*node)}
}

// Tree is the coordinator's namespace tree, rooted at "/".
type Tree struct {
	mu   sync.RWMutex
	root *node
}

func New() *Tree {
	return &Tree{root: newDir("")}
}

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errs.New(errs.FSError, "Has to start with root directory")
	}
	if path == "/" {
		return nil, nil
	}
	trimmed := strings.TrimSuffix(path, "/")
	segs := strings.Split(trimmed[1:], "/")
	for _, s := range segs {
		if err := ValidateName(s); err != nil {
			return nil, err
		}
	}
	return segs, nil
}

// Mkdir walks and inserts directory nodes along path, creating intermediate
// directories as needed (the "-p" semantic). It is idempotent when the
// entire path already exists as directories, and fails if any intermediate
// segment is a file.
func (t *Tree) Mkdir(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root
	for _, s := range segs {
		child, ok := cur.children[s]
		if !ok {
			child = newDir(s)
			cur.children[s] = child
		} else if child.isFile {
			return errs.New(errs.FSError, "%v is not a directory", s)
		}
		cur = child
	}
	return nil
}

// List returns the child names of a directory, sorted ascending, or a
// file's own name if path names a file.
func (t *Tree) List(path string) ([]string, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	n, err := t.lookup(segs)
	if err != nil {
		return nil, err
	}
	if n.isFile {
		return []string{n.name}, nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (t *Tree) lookup(segs []string) (*node, error) {
	cur := t.root
	for i, s := range segs {
		child, ok := cur.children[s]
		if !ok {
			return nil, errs.New(errs.FSError, "path not found")
		}
		if child.isFile && i != len(segs)-1 {
			return nil, errs.New(errs.FSError, "%v is not a directory", s)
		}
		cur = child
	}
	return cur, nil
}

// CheckCanCreate verifies the parent of path exists as a directory and the
// leaf name is free, without mutating the tree.
func (t *Tree) CheckCanCreate(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return errs.New(errs.FSError, "cannot create the root directory as a file")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	parent, err := t.lookup(segs[:len(segs)-1])
	if err != nil {
		return err
	}
	if parent.isFile {
		return errs.New(errs.FSError, "%v is not a directory", parent.name)
	}
	if _, exists := parent.children[segs[len(segs)-1]]; exists {
		return errs.New(errs.FSError, "%v already exists", path)
	}
	return nil
}

// CreateFile inserts a File leaf with the given ordered block list. Fails
// if the leaf already exists.
func (t *Tree) CreateFile(path string, blocks []model.Block) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return errs.New(errs.FSError, "cannot create the root directory as a file")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.lookup(segs[:len(segs)-1])
	if err != nil {
		return err
	}
	if parent.isFile {
		return errs.New(errs.FSError, "%v is not a directory", parent.name)
	}
	leaf := segs[len(segs)-1]
	if _, exists := parent.children[leaf]; exists {
		return errs.New(errs.FSError, "%v already exists", path)
	}
	parent.children[leaf] = &node{name: leaf, isFile: true, blocks: blocks}
	return nil
}

// OpenFile returns the ordered block list of path. Fails if path is a
// directory or missing.
func (t *Tree) OpenFile(path string) ([]model.Block, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	n, err := t.lookup(segs)
	if err != nil {
		return nil, err
	}
	if !n.isFile {
		return nil, errs.New(errs.FSError, "%v is a directory", path)
	}
	out := make([]model.Block, len(n.blocks))
	copy(out, n.blocks)
	return out, nil
}
