// Package catalog loads the fixed set of playground containers from YAML.
//
// A catalog directory holds config.yml plus optional config.d/ and custom.d/
// directories. Files are applied in that order (each directory in lexical
// order) and a later entry with the same key replaces the earlier one, so
// custom.d always wins.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultShell is used when an image has no catalog entry or no shell.
const DefaultShell = "/bin/sh"

// Entry describes one playground container.
type Entry struct {
	Name        string            `yaml:"-" json:"name"`
	Image       string            `yaml:"image" json:"image"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Category    string            `yaml:"category" json:"category,omitempty"`
	Shell       string            `yaml:"shell" json:"shell,omitempty"`
	MOTD        string            `yaml:"motd" json:"-"`
	Command     []string          `yaml:"command" json:"command,omitempty"`
	Environment map[string]string `yaml:"environment" json:"environment,omitempty"`
	Scripts     Scripts           `yaml:"scripts" json:"-"`
}

// Scripts are lifecycle hooks run inside the container with its shell.
type Scripts struct {
	PostStart string `yaml:"post_start"`
	PreStop   string `yaml:"pre_stop"`
}

// ShellOrDefault returns the entry's shell, falling back to DefaultShell.
func (e Entry) ShellOrDefault() string {
	if e.Shell == "" {
		return DefaultShell
	}
	return e.Shell
}

type file struct {
	Images map[string]Entry `yaml:"images"`
}

// Catalog is an immutable, merged view of all catalog files.
type Catalog struct {
	entries map[string]Entry
	byImage map[string]string
}

// New builds a catalog from entries keyed by name.
func New(entries map[string]Entry) *Catalog {
	c := &Catalog{
		entries: make(map[string]Entry, len(entries)),
		byImage: make(map[string]string, len(entries)),
	}
	for name, e := range entries {
		e.Name = name
		c.entries[name] = e
		// Lowest name wins when two entries share an image.
		if prev, ok := c.byImage[e.Image]; !ok || name < prev {
			c.byImage[e.Image] = name
		}
	}
	return c
}

// Load reads dir/config.yml, dir/config.d/*.yml and dir/custom.d/*.yml.
// config.yml is required; the directories are optional.
func Load(dir string) (*Catalog, error) {
	entries := make(map[string]Entry)

	if err := mergeFile(entries, filepath.Join(dir, "config.yml")); err != nil {
		return nil, err
	}
	for _, sub := range []string{"config.d", "custom.d"} {
		files, err := yamlFiles(filepath.Join(dir, sub))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if err := mergeFile(entries, f); err != nil {
				return nil, err
			}
		}
	}

	for name, e := range entries {
		if strings.TrimSpace(e.Image) == "" {
			return nil, fmt.Errorf("catalog entry %q: image is required", name)
		}
	}

	return New(entries), nil
}

func mergeFile(entries map[string]Entry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for name, e := range f.Images {
		entries[name] = e
	}
	return nil
}

func yamlFiles(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read catalog dir %s: %w", dir, err)
	}
	var out []string
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		ext := filepath.Ext(de.Name())
		if ext == ".yml" || ext == ".yaml" {
			out = append(out, filepath.Join(dir, de.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Get returns the entry for name.
func (c *Catalog) Get(name string) (Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Names returns all entry names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForImage returns the entry whose image matches.
func (c *Catalog) ForImage(image string) (Entry, bool) {
	name, ok := c.byImage[image]
	if !ok {
		return Entry{}, false
	}
	return c.entries[name], true
}

// ShellForImage returns the shell configured for image, or DefaultShell.
func (c *Catalog) ShellForImage(image string) string {
	e, ok := c.ForImage(image)
	if !ok {
		return DefaultShell
	}
	return e.ShellOrDefault()
}

// MOTD returns the raw banner text configured for image, possibly empty.
func (c *Catalog) MOTD(image string) string {
	e, ok := c.ForImage(image)
	if !ok {
		return ""
	}
	return e.MOTD
}
