package scenario

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/resolve-sim/internal/models"
)

//go:embed runbooks.yaml
var runbookCorpus []byte

type runbookEntry struct {
	Title           string   `yaml:"title"`
	Service         string   `yaml:"service"`
	Symptoms        string   `yaml:"symptoms"`
	ResolutionSteps string   `yaml:"resolution_steps"`
	Tags            []string `yaml:"tags"`
	Content         string   `yaml:"content"`
}

// Runbooks returns the static runbook corpus in declaration order.
func Runbooks() ([]models.Runbook, error) {
	var entries []runbookEntry
	if err := yaml.Unmarshal(runbookCorpus, &entries); err != nil {
		return nil, fmt.Errorf("decode runbooks: %w", err)
	}
	out := make([]models.Runbook, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.Runbook{
			Title:           e.Title,
			Service:         e.Service,
			Symptoms:        e.Symptoms,
			ResolutionSteps: e.ResolutionSteps,
			Tags:            e.Tags,
			Content:         e.Content,
		})
	}
	return out, nil
}
