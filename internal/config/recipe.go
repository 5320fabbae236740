package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Pass is one rung of the conversion ladder.
type Pass struct {
	Size        int           `yaml:"size"`
	Quality     int           `yaml:"quality"`
	FPS         int           `yaml:"fps,omitempty"`
	MaxDuration time.Duration `yaml:"max_duration,omitempty"`
	Normalize   bool          `yaml:"normalize,omitempty"`
}

// Recipe is the static pass ladder for each sticker flavour.
type Recipe struct {
	Static   []Pass `yaml:"static"`
	Animated []Pass `yaml:"animated"`
}

// DefaultRecipe returns the ladders used when no recipe file is configured.
func DefaultRecipe(maxDuration time.Duration) Recipe {
	if maxDuration <= 0 {
		maxDuration = 10 * time.Second
	}
	return Recipe{
		Static: []Pass{
			{Size: 512, Quality: 80},
			{Size: 256, Quality: 50},
		},
		Animated: []Pass{
			{Size: 512, Quality: 50, FPS: 10, MaxDuration: maxDuration, Normalize: true},
			{Size: 256, Quality: 50, FPS: 10, MaxDuration: maxDuration, Normalize: true},
		},
	}
}

// LoadRecipe reads a YAML recipe file.
//
//	static:
//	  - {size: 512, quality: 80}
//	animated:
//	  - {size: 512, quality: 50, fps: 10, max_duration: 10s, normalize: true}
func LoadRecipe(path string) (Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Recipe{}, fmt.Errorf("read recipe: %w", err)
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Recipe{}, fmt.Errorf("parse recipe: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Recipe{}, err
	}
	return r, nil
}

func (r Recipe) Validate() error {
	if len(r.Static) == 0 {
		return fmt.Errorf("recipe: static ladder is empty")
	}
	if len(r.Animated) == 0 {
		return fmt.Errorf("recipe: animated ladder is empty")
	}
	for i, p := range r.Static {
		if err := p.validate(false); err != nil {
			return fmt.Errorf("recipe: static pass %d: %w", i, err)
		}
	}
	for i, p := range r.Animated {
		if err := p.validate(true); err != nil {
			return fmt.Errorf("recipe: animated pass %d: %w", i, err)
		}
	}
	return nil
}

func (p Pass) validate(animated bool) error {
	if p.Size <= 0 {
		return fmt.Errorf("size must be positive")
	}
	if p.Quality < 0 || p.Quality > 100 {
		return fmt.Errorf("quality %d out of range 0-100", p.Quality)
	}
	if animated {
		if p.FPS <= 0 {
			return fmt.Errorf("fps must be positive")
		}
		if p.MaxDuration <= 0 {
			return fmt.Errorf("max_duration must be positive")
		}
	}
	return nil
}
