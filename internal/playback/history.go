package playback

import (
	_ "embed"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/resolve-sim/internal/models"
	"github.com/miradorstack/resolve-sim/internal/topology"
)

//go:embed history.yaml
var historyYAML []byte

type historyFile struct {
	Deployments []struct {
		Offset  time.Duration `yaml:"offset"`
		Service string        `yaml:"service"`
		Version string        `yaml:"version"`
		Changes string        `yaml:"changes"`
	} `yaml:"deployments"`
	Deployers []string `yaml:"deployers"`
	Alerts    []struct {
		Offset    time.Duration `yaml:"offset"`
		Service   string        `yaml:"service"`
		Severity  string        `yaml:"severity"`
		Metric    string        `yaml:"metric"`
		Condition string        `yaml:"condition"`
		Message   string        `yaml:"message"`
		Threshold float64       `yaml:"threshold"`
		Observed  float64       `yaml:"observed"`
	} `yaml:"alerts"`
}

var historyNamespace = uuid.MustParse("9b0c5e1a-3f2d-4c61-8a7e-2d4f6b8c0e13")

// History returns resolved background deployments and alerts placed before
// start. They never carry a correlation id.
func History(topo *topology.Topology, seed int64, start time.Time) ([]models.Deployment, []models.Alert, error) {
	var file historyFile
	if err := yaml.Unmarshal(historyYAML, &file); err != nil {
		return nil, nil, fmt.Errorf("parse history: %w", err)
	}
	r := rand.New(rand.NewPCG(uint64(seed), streamKey("history")))

	var deps []models.Deployment
	for _, d := range file.Deployments {
		if !topo.Has(d.Service) || d.Offset >= 0 {
			continue
		}
		ts := start.Add(d.Offset)
		deployer := ""
		if len(file.Deployers) > 0 {
			deployer = file.Deployers[r.IntN(len(file.Deployers))]
		}
		commit := uuid.NewSHA1(historyNamespace, []byte(fmt.Sprintf("%d/%s/%s", seed, d.Service, d.Version)))
		deps = append(deps, models.Deployment{
			Service:    d.Service,
			Version:    d.Version,
			Deployer:   deployer,
			Timestamp:  ts,
			Status:     models.DeploymentSuccess,
			CommitHash: commit.String()[:7],
			Changes:    d.Changes,
		})
	}

	var alerts []models.Alert
	for _, a := range file.Alerts {
		if !topo.Has(a.Service) || a.Offset >= 0 {
			continue
		}
		ts := start.Add(a.Offset)
		id := uuid.NewSHA1(historyNamespace, []byte(fmt.Sprintf("%d/%s/%s", seed, a.Service, a.Message)))
		alerts = append(alerts, models.Alert{
			AlertID:   "ALT-" + id.String()[:8],
			Service:   a.Service,
			Metric:    models.Metric(a.Metric),
			Condition: a.Condition,
			Threshold: a.Threshold,
			Observed:  a.Observed,
			Timestamp: ts,
			Severity:  models.Severity(a.Severity),
			Status:    models.AlertResolved,
			Message:   a.Message,
		})
	}

	sort.SliceStable(deps, func(i, j int) bool { return deps[i].Timestamp.Before(deps[j].Timestamp) })
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Timestamp.Before(alerts[j].Timestamp) })
	return deps, alerts, nil
}

func streamKey(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
