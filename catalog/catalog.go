// Package catalog enumerates the style images available to choose from.
package catalog

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/ollama/stylize/model/imageproc"
)

var ErrStyleNotFound = errors.New("style not found")

type Style struct {
	Name   string `json:"name"`
	File   string `json:"file"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
	Width  int    `json:"width"`
	Height int    `json:"height"`

	ModifiedAt time.Time `json:"modified_at"`
}

// Catalog is a flat directory of style images named by file stem.
type Catalog struct {
	fsys fs.FS
}

func Open(dir string) *Catalog {
	return &Catalog{fsys: os.DirFS(dir)}
}

func New(fsys fs.FS) *Catalog {
	return &Catalog{fsys: fsys}
}

// List returns every decodable image in the catalog sorted by name. Files
// that are not images are skipped. A missing directory is an empty catalog.
func (c *Catalog) List() ([]Style, error) {
	entries, err := fs.ReadDir(c.fsys, ".")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var styles []Style
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}

		s, err := c.stat(e)
		if err != nil {
			continue
		}

		styles = append(styles, s)
	}

	slices.SortFunc(styles, func(a, b Style) int { return strings.Compare(a.Name, b.Name) })
	return styles, nil
}

func (c *Catalog) stat(e fs.DirEntry) (Style, error) {
	f, err := c.fsys.Open(e.Name())
	if err != nil {
		return Style{}, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Style{}, err
	}

	info, err := e.Info()
	if err != nil {
		return Style{}, err
	}

	return Style{
		Name:   strings.TrimSuffix(e.Name(), path.Ext(e.Name())),
		File:   e.Name(),
		Format: format,
		Size:   info.Size(),
		Width:  cfg.Width,
		Height: cfg.Height,

		ModifiedAt: info.ModTime(),
	}, nil
}

// Find returns the style called name.
func (c *Catalog) Find(name string) (Style, error) {
	styles, err := c.List()
	if err != nil {
		return Style{}, err
	}

	for _, s := range styles {
		if s.Name == name || s.File == name {
			return s, nil
		}
	}

	return Style{}, fmt.Errorf("%w: %s", ErrStyleNotFound, name)
}

// Load decodes the style called name.
func (c *Catalog) Load(name string) (image.Image, error) {
	s, err := c.Find(name)
	if err != nil {
		return nil, err
	}

	return c.LoadStyle(s)
}

// LoadStyle decodes a style previously returned by List or Find without
// listing the catalog again.
func (c *Catalog) LoadStyle(s Style) (image.Image, error) {
	f, err := c.fsys.Open(s.File)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrStyleNotFound, s.Name)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := imageproc.Decode(f)
	return img, err
}
