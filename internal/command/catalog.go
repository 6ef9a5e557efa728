package command

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/ini.v1"

	"mapkvm/internal/session"
)

// CatalogFile is the optional per-image settings file inside the images dir.
const CatalogFile = "images.ini"

// probeExts are tried in order when an image is named without its extension.
var probeExts = []string{".img", ".iso", ".IMG", ".ISO"}

// Image is a bootable image with the settings it boots with.
type Image struct {
	Name   string
	Path   string
	Medium session.Medium
	RAM    int
	SizeMB int64
}

// Catalog finds images in a directory and applies images.ini overrides.
//
// images.ini sections are keyed by image name without extension:
//
//	[win95]
//	ram  = 480
//	boot = hdd
//	file = Windows95-OSR2.img
type Catalog struct {
	dir string
}

// NewCatalog creates a catalog over dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Dir returns the images directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// RAMForName guesses a RAM size in MB from an image name.
func RAMForName(name string) int {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "win95"):
		return 480
	case strings.Contains(lower, "win98"):
		return 512
	case strings.Contains(lower, "dos"):
		return 64
	}
	return 256
}

func (c *Catalog) loadOverrides() (*ini.File, error) {
	path := filepath.Join(c.dir, CatalogFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ini.Empty(), nil
	}
	f, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:             true,
		SkipUnrecognizableLines: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", CatalogFile, err)
	}
	return f, nil
}

// Resolve finds the image called name: the exact file, then name with each
// known extension, then an images.ini file alias.
func (c *Catalog) Resolve(name string) (Image, error) {
	overrides, err := c.loadOverrides()
	if err != nil {
		return Image{}, err
	}

	base := filepath.Base(name)
	if base != name || name == "." || name == ".." {
		return Image{}, fmt.Errorf("%w: %s", session.ErrImageNotFound, name)
	}

	candidates := []string{name}
	for _, ext := range probeExts {
		candidates = append(candidates, name+ext)
	}
	if sec, err := overrides.GetSection(strings.ToLower(name)); err == nil {
		if file := sec.Key("file").String(); file != "" {
			candidates = append(candidates, filepath.Base(file))
		}
	}

	for _, cand := range candidates {
		path := filepath.Join(c.dir, cand)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		img := Image{
			Name:   name,
			Path:   path,
			Medium: session.MediumForPath(path),
			RAM:    RAMForName(name),
			SizeMB: info.Size() / (1024 * 1024),
		}
		if err := applyOverrides(overrides, &img); err != nil {
			return Image{}, err
		}
		return img, nil
	}
	return Image{}, fmt.Errorf("%w: %s", session.ErrImageNotFound, name)
}

func applyOverrides(f *ini.File, img *Image) error {
	key := strings.ToLower(strings.TrimSuffix(img.Name, filepath.Ext(img.Name)))
	sec, err := f.GetSection(key)
	if err != nil {
		return nil
	}
	if sec.HasKey("ram") {
		ram, err := sec.Key("ram").Int()
		if err != nil || ram <= 0 {
			return fmt.Errorf("%s: [%s] ram: invalid value %q", CatalogFile, key, sec.Key("ram").String())
		}
		img.RAM = ram
	}
	if sec.HasKey("boot") {
		m, err := session.ParseMedium(sec.Key("boot").String())
		if err != nil {
			return fmt.Errorf("%s: [%s] boot: %w", CatalogFile, key, err)
		}
		img.Medium = m
	}
	return nil
}

// List returns every .img and .iso in the images dir sorted by name, creating
// the directory if needed.
func (c *Catalog) List() ([]Image, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	overrides, err := c.loadOverrides()
	if err != nil {
		return nil, err
	}

	var images []Image
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".img" && ext != ".iso" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		img := Image{
			Name:   name,
			Path:   filepath.Join(c.dir, e.Name()),
			Medium: session.MediumForPath(e.Name()),
			RAM:    RAMForName(name),
			SizeMB: info.Size() / (1024 * 1024),
		}
		if err := applyOverrides(overrides, &img); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	slices.SortFunc(images, func(a, b Image) int { return strings.Compare(a.Name, b.Name) })
	return images, nil
}
