package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/resolve-sim/internal/models"
	"github.com/miradorstack/resolve-sim/internal/topology"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

var (
	//go:embed catalog.yaml
	defaultCatalog []byte
	//go:embed catalog.schema.json
	catalogSchema []byte
)

const (
	schemaURL = "resolve-sim://catalog.schema.json"

	defaultSymptomThreshold = 0.1
	defaultResolveEpsilon   = 0.001
)

// Timing holds the phase durations of a scenario.
type Timing struct {
	OnsetDelay       time.Duration `yaml:"onset_delay"`
	Ramp             time.Duration `yaml:"ramp"`
	Peak             time.Duration `yaml:"peak"`
	Recovery         time.Duration `yaml:"recovery"`
	SymptomThreshold float64       `yaml:"symptom_threshold"`
	ResolveEpsilon   float64       `yaml:"resolve_epsilon"`
}

// Propagation controls how distortion spreads to dependents.
type Propagation struct {
	Attenuation float64       `yaml:"attenuation"`
	HopDelay    time.Duration `yaml:"hop_delay"`
}

// AlertRule describes the single alert an activation may fire.
type AlertRule struct {
	Name      string          `yaml:"name"`
	Metric    models.Metric   `yaml:"metric"`
	Threshold float64         `yaml:"threshold"`
	Severity  models.Severity `yaml:"severity"`
}

// Condition renders the rule the way alert documents display it. The alert
// fires on the first sample above the threshold.
func (a AlertRule) Condition() string {
	return fmt.Sprintf("%s > %g", a.Metric, a.Threshold)
}

// DeploymentTemplate is the release that carries a deployment-triggered fault.
type DeploymentTemplate struct {
	Version          string `yaml:"version"`
	PreviousVersion  string `yaml:"previous_version"`
	Deployer         string `yaml:"deployer"`
	RollbackDeployer string `yaml:"rollback_deployer"`
	Commit           string `yaml:"commit"`
	RollbackCommit   string `yaml:"rollback_commit"`
	Changes          string `yaml:"changes"`
}

// Definition parameterises one scenario kind.
type Definition struct {
	Kind        Kind                `yaml:"kind"`
	Origin      string              `yaml:"origin"`
	Runbook     string              `yaml:"runbook"`
	Timing      Timing              `yaml:"timing"`
	Propagation Propagation         `yaml:"propagation"`
	Alert       AlertRule           `yaml:"alert"`
	Deployment  *DeploymentTemplate `yaml:"deployment"`
}

// Variant returns the fault pattern implementing the definition.
func (d Definition) Variant() Variant {
	v, _ := Lookup(d.Kind)
	return v
}

// Scaled returns a copy with every duration multiplied by factor. Live
// demos use it to compress an hour-long incident into minutes.
func (d Definition) Scaled(factor float64) Definition {
	if factor <= 0 || factor == 1 {
		return d
	}
	scale := func(v time.Duration) time.Duration {
		return time.Duration(float64(v) * factor)
	}
	d.Timing.OnsetDelay = scale(d.Timing.OnsetDelay)
	d.Timing.Ramp = scale(d.Timing.Ramp)
	d.Timing.Peak = scale(d.Timing.Peak)
	d.Timing.Recovery = scale(d.Timing.Recovery)
	d.Propagation.HopDelay = scale(d.Propagation.HopDelay)
	return d
}

type catalogFile struct {
	Scenarios []Definition `yaml:"scenarios"`
}

// Catalog is the validated registry of scenario definitions keyed by kind.
type Catalog struct {
	defs map[Kind]Definition
}

// ParseCatalog validates data against the catalog schema, decodes it and
// applies semantic checks.
func ParseCatalog(data []byte) (*Catalog, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, utils.NewConfigurationError("catalog", "decode", err)
	}

	c := &Catalog{defs: make(map[Kind]Definition, len(file.Scenarios))}
	for _, def := range file.Scenarios {
		if _, dup := c.defs[def.Kind]; dup {
			return nil, utils.NewConfigurationError("catalog", fmt.Sprintf("duplicate scenario kind %q", def.Kind), nil)
		}
		def, err := normalise(def)
		if err != nil {
			return nil, err
		}
		c.defs[def.Kind] = def
	}
	return c, nil
}

// LoadCatalog reads a catalog from path; an empty path yields the embedded
// default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, utils.NewConfigurationError("catalog", fmt.Sprintf("file %s not found", path), err)
		}
		return nil, utils.NewConfigurationError("catalog", "read", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// Get returns the definition registered for kind.
func (c *Catalog) Get(kind Kind) (Definition, bool) {
	def, ok := c.defs[kind]
	return def, ok
}

// Kinds lists the catalogued kinds, sorted.
func (c *Catalog) Kinds() []Kind {
	kinds := make([]Kind, 0, len(c.defs))
	for k := range c.defs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// CheckTopology verifies every default origin exists in topo.
func (c *Catalog) CheckTopology(topo *topology.Topology) error {
	for _, kind := range c.Kinds() {
		def := c.defs[kind]
		if !topo.Has(def.Origin) {
			return utils.NewConfigurationError("catalog", fmt.Sprintf("scenario %s: origin %q not in topology", kind, def.Origin), nil)
		}
	}
	return nil
}

func normalise(def Definition) (Definition, error) {
	fail := func(msg string) (Definition, error) {
		return Definition{}, utils.NewConfigurationError("catalog", fmt.Sprintf("scenario %s: %s", def.Kind, msg), nil)
	}

	variant, ok := Lookup(def.Kind)
	if !ok {
		return fail("unknown kind")
	}
	if def.Timing.SymptomThreshold == 0 {
		def.Timing.SymptomThreshold = defaultSymptomThreshold
	}
	if def.Timing.ResolveEpsilon == 0 {
		def.Timing.ResolveEpsilon = defaultResolveEpsilon
	}

	t := def.Timing
	switch {
	case t.OnsetDelay < 0, t.Ramp < 0, t.Peak < 0, t.Recovery < 0:
		return fail("timing durations must not be negative")
	case t.SymptomThreshold <= 0 || t.SymptomThreshold > 1:
		return fail("symptom_threshold must be in (0,1]")
	case t.ResolveEpsilon < 0 || t.ResolveEpsilon >= t.SymptomThreshold:
		return fail("resolve_epsilon must be below symptom_threshold")
	}

	p := def.Propagation
	if p.Attenuation <= 0 || p.Attenuation >= 1 {
		return fail("attenuation must be in (0,1)")
	}
	if p.HopDelay <= 0 {
		return fail("hop_delay must be positive")
	}

	lo, hi := models.PhysicalBounds(def.Alert.Metric)
	if def.Alert.Threshold < lo || def.Alert.Threshold >= hi {
		return fail(fmt.Sprintf("alert threshold %g outside %s bounds", def.Alert.Threshold, def.Alert.Metric))
	}
	if def.Alert.Name == "" {
		def.Alert.Name = "High" + string(def.Kind)
	}

	if variant.DeploymentTriggered() && t.OnsetDelay <= 0 {
		return fail("deployment-triggered scenario requires a positive onset_delay")
	}
	if variant.DeploymentTriggered() && def.Deployment == nil {
		return fail("deployment-triggered scenario requires a deployment block")
	}
	if !variant.DeploymentTriggered() && def.Deployment != nil {
		return fail("scenario is not deployment-triggered but declares a deployment")
	}
	if d := def.Deployment; d != nil {
		if d.RollbackDeployer == "" {
			d.RollbackDeployer = d.Deployer
		}
		if d.RollbackCommit == "" {
			d.RollbackCommit = d.Commit
		}
	}
	return def, nil
}

func validateSchema(data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(catalogSchema)); err != nil {
		return fmt.Errorf("add catalog schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("compile catalog schema: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return utils.NewConfigurationError("catalog", "decode", err)
	}
	// Round trip through JSON so the validator only sees JSON value types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return utils.NewConfigurationError("catalog", "catalog is not representable as JSON", err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return utils.NewConfigurationError("catalog", "decode", err)
	}
	if err := schema.Validate(payload); err != nil {
		return utils.NewConfigurationError("catalog", "schema validation failed", err)
	}
	return nil
}
