// Package project manages the project directories under the projects root.
package project

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tynkerbase/tynkerbase-agent/wire"
)

var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotExist      = errors.New("does not exist")
	ErrInvalidName   = errors.New("invalid project name")
	ErrInvalidPath   = errors.New("invalid file path")
)

// Store owns <root>/<name> for every project. The filesystem is the only
// registry: a project exists iff its directory does.
type Store struct {
	fs   afero.Fs
	root string
}

func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root}
}

// Root is the projects root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory of a project.
func (s *Store) Dir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, name), nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

// Create makes an empty project directory.
func (s *Store) Create(name string) error {
	dir, err := s.Dir(name)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return errors.Wrap(err, "create projects root")
	}

	exists, err := afero.Exists(s.fs, dir)
	if err != nil {
		return errors.Wrapf(err, "stat project %q", name)
	}
	if exists {
		return errors.Wrapf(ErrAlreadyExists, "project `%s`", name)
	}

	if err := s.fs.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(ErrAlreadyExists, "project `%s`", name)
		}
		return errors.Wrapf(err, "create project %q", name)
	}
	return nil
}

// Delete removes a project directory and everything in it.
func (s *Store) Delete(name string) error {
	dir, err := s.Dir(name)
	if err != nil {
		return err
	}

	exists, err := afero.Exists(s.fs, dir)
	if err != nil {
		return errors.Wrapf(err, "stat project %q", name)
	}
	if !exists {
		return errors.Wrapf(ErrNotExist, "project `%s`", name)
	}

	if err := s.fs.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "delete project %q", name)
	}
	return nil
}

// Clear leaves an empty project directory in place of name, whether or not
// it existed before.
func (s *Store) Clear(name string) error {
	if err := s.Delete(name); err != nil && !errors.Is(err, ErrNotExist) {
		return err
	}
	return s.Create(name)
}

// List returns the sorted names of all projects. A missing root is empty.
func (s *Store) List() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrap(err, "list projects")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Ingest replaces the contents of a project with bundle. Paths are validated
// before anything is removed.
func (s *Store) Ingest(name string, bundle wire.FileBundle) error {
	dir, err := s.Dir(name)
	if err != nil {
		return err
	}

	paths := make([]string, len(bundle.Files))
	for i, f := range bundle.Files {
		clean, err := wire.CleanPath(f.Path)
		if err != nil {
			return errors.Wrap(ErrInvalidPath, err.Error())
		}
		paths[i] = clean
	}

	if err := s.Clear(name); err != nil {
		return err
	}

	for i, f := range bundle.Files {
		target := filepath.Join(dir, filepath.FromSlash(paths[i]))
		if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %s", paths[i])
		}
		if err := afero.WriteFile(s.fs, target, f.Data, 0o644); err != nil {
			return errors.Wrapf(err, "write %s", paths[i])
		}
	}
	return nil
}

// Export reads every file of a project into a bundle sorted by path. Files
// and directories whose base name is in ignore are skipped.
func (s *Store) Export(name string, ignore []string) (wire.FileBundle, error) {
	dir, err := s.Dir(name)
	if err != nil {
		return wire.FileBundle{}, err
	}

	info, err := s.fs.Stat(dir)
	if err != nil || !info.IsDir() {
		return wire.FileBundle{}, errors.Wrapf(ErrNotExist, "project `%s`", name)
	}

	skip := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		skip[name] = true
	}

	bundle := wire.FileBundle{Files: []wire.File{}}
	err = afero.Walk(s.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if skip[info.Name()] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := afero.ReadFile(s.fs, p)
		if err != nil {
			return err
		}
		bundle.Files = append(bundle.Files, wire.File{Path: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		return wire.FileBundle{}, errors.Wrapf(err, "export project %q", name)
	}

	sort.Slice(bundle.Files, func(i, j int) bool {
		return bundle.Files[i].Path < bundle.Files[j].Path
	})
	return bundle, nil
}
