package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset is an audio generation style with its price.
type Preset struct {
	ID         string `yaml:"id" json:"id"`
	Title      string `yaml:"title" json:"title"`
	CategoryID string `yaml:"category_id" json:"category_id,omitempty"`
	Style      string `yaml:"style" json:"style,omitempty"`
	PriceAudio int64  `yaml:"price_audio" json:"price_audio"`
	Starter    bool   `yaml:"starter" json:"starter,omitempty"`
}

type Category struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
}

// Catalog is an immutable set of presets keyed by ID.
type Catalog struct {
	categories []Category
	presets    []Preset
	byID       map[string]Preset
}

type file struct {
	Categories []Category `yaml:"categories"`
	Presets    []Preset   `yaml:"presets"`
}

// LoadFile reads a presets YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading preset catalog %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing preset catalog: %w", err)
	}
	return New(f.Categories, f.Presets)
}

func New(categories []Category, presets []Preset) (*Catalog, error) {
	c := &Catalog{
		categories: categories,
		presets:    presets,
		byID:       make(map[string]Preset, len(presets)),
	}
	for _, p := range presets {
		if p.ID == "" {
			return nil, fmt.Errorf("preset %q has no id", p.Title)
		}
		if p.PriceAudio <= 0 {
			return nil, fmt.Errorf("preset %s has non-positive price %d", p.ID, p.PriceAudio)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate preset id %s", p.ID)
		}
		c.byID[p.ID] = p
	}
	return c, nil
}

// AudioPrice implements policy.Prices.
func (c *Catalog) AudioPrice(presetID string) (int64, bool) {
	p, ok := c.byID[presetID]
	if !ok {
		return 0, false
	}
	return p.PriceAudio, true
}

func (c *Catalog) Get(presetID string) (Preset, bool) {
	p, ok := c.byID[presetID]
	return p, ok
}

func (c *Catalog) Presets() []Preset {
	return append([]Preset(nil), c.presets...)
}

func (c *Catalog) Categories() []Category {
	return append([]Category(nil), c.categories...)
}
