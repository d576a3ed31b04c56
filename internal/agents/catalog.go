// Package agents holds the prebuilt agent catalog used to seed a workspace.
package agents

import (
	"bytes"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"dracanus/internal/domain"
)

//go:embed catalog.yaml
var catalogYAML []byte

// idNamespace derives stable agent ids from slugs, so reseeding a fresh
// database yields the same ids.
var idNamespace = uuid.MustParse("6f1c2a47-93d4-4e0b-8a51-0d2b7d0f3c9e")

type entry struct {
	Slug            string   `yaml:"slug"`
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Category        string   `yaml:"category"`
	PricePerMonth   int      `yaml:"price_per_month"`
	Tier            int      `yaml:"tier"`
	Featured        bool     `yaml:"featured"`
	ModelPreference string   `yaml:"model_preference"`
	Capabilities    []string `yaml:"capabilities"`
	SystemPrompt    string   `yaml:"system_prompt"`
}

// ID returns the catalog id for slug.
func ID(slug string) string {
	return uuid.NewSHA1(idNamespace, []byte(slug)).String()
}

// Catalog returns the embedded agents stamped with createdAt.
func Catalog(createdAt time.Time) ([]domain.Agent, error) {
	return Parse(catalogYAML, createdAt)
}

// Parse decodes a catalog document. Unknown fields, unknown categories and
// duplicate slugs are errors.
func Parse(data []byte, createdAt time.Time) ([]domain.Agent, error) {
	var doc struct {
		Agents []entry `yaml:"agents"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}
	seen := map[string]bool{}
	out := make([]domain.Agent, 0, len(doc.Agents))
	for i, e := range doc.Agents {
		switch {
		case e.Slug == "":
			return nil, fmt.Errorf("agent catalog entry %d: slug is required", i)
		case seen[e.Slug]:
			return nil, fmt.Errorf("agent catalog: duplicate slug %q", e.Slug)
		case !domain.IsCategory(e.Category):
			return nil, fmt.Errorf("agent %s: unknown category %q", e.Slug, e.Category)
		case e.ModelPreference == "":
			return nil, fmt.Errorf("agent %s: model_preference is required", e.Slug)
		}
		seen[e.Slug] = true
		tier := e.Tier
		if tier == 0 {
			tier = 1
		}
		out = append(out, domain.Agent{
			ID:              ID(e.Slug),
			Slug:            e.Slug,
			Name:            e.Name,
			Description:     e.Description,
			Category:        e.Category,
			SystemPrompt:    e.SystemPrompt,
			ModelPreference: e.ModelPreference,
			Capabilities:    e.Capabilities,
			PricePerMonth:   e.PricePerMonth,
			Tier:            tier,
			Featured:        e.Featured,
			Active:          true,
			CreatedAt:       domain.FormatTime(createdAt),
		})
	}
	return out, nil
}
