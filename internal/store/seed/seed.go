// Package seed loads message templates from YAML and upserts them into a
// template store at startup.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/render"
	"github.com/example/billing-messenger/internal/store"
	"github.com/example/billing-messenger/internal/util"
)

//go:embed templates.yaml
var defaultTemplates []byte

type file struct {
	Templates []models.Template `yaml:"templates"`
}

// Parse decodes and validates a template seed document. Every body may only
// reference known placeholders.
func Parse(data []byte) ([]models.Template, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("seed: decode: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Templates))
	for i := range f.Templates {
		tpl := &f.Templates[i]
		code, err := util.ValidateTemplateCode(tpl.Code)
		if err != nil {
			return nil, fmt.Errorf("seed: template %d: %w", i, err)
		}
		tpl.Code = code
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("seed: duplicate template code %q", code)
		}
		seen[code] = struct{}{}

		if tpl.Channel == "" {
			tpl.Channel = models.ChannelWhatsApp
		}
		if !tpl.Channel.Valid() {
			return nil, fmt.Errorf("seed: template %q: unsupported channel %q", code, tpl.Channel)
		}
		if strings.TrimSpace(tpl.Body) == "" {
			return nil, fmt.Errorf("seed: template %q: body is empty", code)
		}
		if err := render.Validate(tpl.Body, render.KnownKeys()); err != nil {
			return nil, fmt.Errorf("seed: template %q: %w", code, err)
		}
	}
	return f.Templates, nil
}

// Defaults returns the built-in reminder and charge templates.
func Defaults() []models.Template {
	tpls, err := Parse(defaultTemplates)
	if err != nil {
		panic(err)
	}
	return tpls
}

// Load reads path, or the built-in defaults when path is empty.
func Load(path string) ([]models.Template, error) {
	if strings.TrimSpace(path) == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Parse(data)
}

// Apply upserts every template into s.
func Apply(ctx context.Context, s store.TemplateStore, tpls []models.Template) error {
	for i := range tpls {
		if err := s.UpsertTemplate(ctx, &tpls[i]); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	return nil
}
