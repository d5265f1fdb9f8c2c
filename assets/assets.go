// Package assets loads serialized models by name from a directory or any
// fs.FS. A bare name such as "style_predict" is resolved against every
// registered backend extension in priority order.
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/ollama/stylize/ml"
)

// Fixed asset names for the two networks.
const (
	StylePredict  = "style_predict"
	StyleTransfer = "style_transfer"
)

var ErrNotFound = errors.New("model asset not found")

// Store loads models by name.
type Store interface {
	LoadModel(name string, opts ml.Options) (ml.Model, error)
}

// Asset is a model file a store can load.
type Asset struct {
	Name    string `json:"name"`
	File    string `json:"file"`
	Backend string `json:"backend"`
	Size    int64  `json:"size"`
}

// FSStore reads assets from the root of a filesystem.
type FSStore struct {
	FS fs.FS
}

func (s *FSStore) LoadModel(name string, opts ml.Options) (ml.Model, error) {
	candidates, err := candidates(name)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, file := range candidates {
		data, err := fs.ReadFile(s.FS, file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			errs = append(errs, err)
			continue
		}

		m, err := ml.Load(path.Ext(file), data, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", file, err))
			continue
		}

		return m, nil
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return nil, fmt.Errorf("%w: %s (tried %s)", ErrNotFound, name, strings.Join(candidates, ", "))
}

// List returns the assets in the root of the store that a registered backend
// can load, sorted by file name.
func (s *FSStore) List() ([]Asset, error) {
	entries, err := fs.ReadDir(s.FS, ".")
	if err != nil {
		return nil, err
	}

	var assets []Asset
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		ext := path.Ext(e.Name())
		backend := ml.BackendName(ext)
		if backend == "" {
			continue
		}

		info, err := e.Info()
		if err != nil {
			return nil, err
		}

		assets = append(assets, Asset{
			Name:    strings.TrimSuffix(e.Name(), ext),
			File:    e.Name(),
			Backend: backend,
			Size:    info.Size(),
		})
	}

	slices.SortFunc(assets, func(a, b Asset) int { return strings.Compare(a.File, b.File) })
	return assets, nil
}

// DirStore reads assets from a directory on disk.
type DirStore struct {
	Root string
}

func (s *DirStore) store() *FSStore {
	return &FSStore{FS: os.DirFS(s.Root)}
}

func (s *DirStore) LoadModel(name string, opts ml.Options) (ml.Model, error) {
	m, err := s.store().LoadModel(name, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Root, err)
	}

	return m, nil
}

func (s *DirStore) List() ([]Asset, error) {
	assets, err := s.store().List()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	return assets, err
}

// candidates returns the file names name may be stored as. A name that
// already carries a registered extension is used as is.
func candidates(name string) ([]string, error) {
	if name == "" || !fs.ValidPath(name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrNotFound, name)
	}

	if ml.BackendName(path.Ext(name)) != "" {
		return []string{name}, nil
	}

	exts := ml.Extensions()
	files := make([]string, len(exts))
	for i, ext := range exts {
		files[i] = name + ext
	}

	return files, nil
}
