// Package topology models the simulated services and who calls whom.
package topology

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/resolve-sim/internal/models"
	"github.com/miradorstack/resolve-sim/internal/utils"
)

//go:embed default.yaml
var defaultDefinition []byte

// Definition is the YAML root of a topology file.
type Definition struct {
	Services []models.Service `yaml:"services"`
}

// Topology is an immutable, validated dependency graph with indexed nodes.
type Topology struct {
	services []models.Service
	index    map[string]int
	// dependents[i] lists the nodes that call node i.
	dependents [][]int
	// order is a topological order of the dependents graph (callees first).
	order []int
}

// Reach describes one service reachable from an origin and every hop count
// at which a path reaches it.
type Reach struct {
	Service string
	Index   int
	Hops    []int
}

// MinHops returns the shortest hop distance.
func (r Reach) MinHops() int {
	if len(r.Hops) == 0 {
		return 0
	}
	return r.Hops[0]
}

// Load validates def and builds the indexed graph. Unknown references and
// cycles are reported as ConfigurationError.
func Load(def Definition) (*Topology, error) {
	if len(def.Services) == 0 {
		return nil, utils.NewConfigurationError("topology", "no services defined", nil)
	}

	t := &Topology{
		services:   make([]models.Service, len(def.Services)),
		index:      make(map[string]int, len(def.Services)),
		dependents: make([][]int, len(def.Services)),
	}
	for i, svc := range def.Services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			return nil, utils.NewConfigurationError("topology", fmt.Sprintf("service %d has no name", i), nil)
		}
		if _, dup := t.index[name]; dup {
			return nil, utils.NewConfigurationError("topology", fmt.Sprintf("duplicate service %q", name), nil)
		}
		svc.Name = name
		if len(svc.Hosts) == 0 {
			svc.Hosts = []string{name + "-01"}
		}
		if len(svc.Paths) == 0 {
			svc.Paths = []string{"/healthz"}
		}
		svc.Hosts = append([]string(nil), svc.Hosts...)
		svc.Dependencies = append([]string(nil), svc.Dependencies...)
		svc.Paths = append([]string(nil), svc.Paths...)
		if err := validateBaseline(svc); err != nil {
			return nil, err
		}
		t.services[i] = svc
		t.index[name] = i
	}

	indegree := make([]int, len(t.services))
	for i, svc := range t.services {
		seen := make(map[int]struct{}, len(svc.Dependencies))
		for _, dep := range svc.Dependencies {
			j, ok := t.index[dep]
			if !ok {
				return nil, utils.NewConfigurationError("topology", fmt.Sprintf("service %q depends on unknown service %q", svc.Name, dep), nil)
			}
			if j == i {
				return nil, utils.NewConfigurationError("topology", fmt.Sprintf("service %q depends on itself", svc.Name), nil)
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			t.dependents[j] = append(t.dependents[j], i)
			indegree[i]++
		}
	}

	queue := make([]int, 0, len(t.services))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		t.order = append(t.order, n)
		for _, caller := range t.dependents[n] {
			indegree[caller]--
			if indegree[caller] == 0 {
				queue = append(queue, caller)
			}
		}
	}
	if len(t.order) != len(t.services) {
		cyclic := make([]string, 0)
		for i, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, t.services[i].Name)
			}
		}
		sort.Strings(cyclic)
		return nil, utils.NewConfigurationError("topology", fmt.Sprintf("dependency cycle among %s", strings.Join(cyclic, ", ")), nil)
	}

	return t, nil
}

func validateBaseline(svc models.Service) error {
	for _, m := range models.AllMetrics {
		r := svc.Baseline.RangeFor(m)
		lo, hi := models.PhysicalBounds(m)
		if r.Min > r.Typical || r.Typical > r.Max {
			return utils.NewConfigurationError("topology", fmt.Sprintf("service %q: %s range must satisfy min <= typical <= max", svc.Name, m), nil)
		}
		if r.Min < lo || r.Max > hi {
			return utils.NewConfigurationError("topology", fmt.Sprintf("service %q: %s range outside physical bounds", svc.Name, m), nil)
		}
	}
	if svc.Baseline.LogRate < 0 || svc.Baseline.LogRate > 1 {
		return utils.NewConfigurationError("topology", fmt.Sprintf("service %q: log_rate must be within [0,1]", svc.Name), nil)
	}
	return nil
}

// Parse decodes a YAML topology document and validates it.
func Parse(data []byte) (*Topology, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, utils.NewConfigurationError("topology", "parse yaml", err)
	}
	return Load(def)
}

// LoadFile reads a topology from disk. An empty path selects the embedded
// five-service default.
func LoadFile(path string) (*Topology, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, utils.NewConfigurationError("topology", fmt.Sprintf("file %s not found", path), err)
		}
		return nil, utils.NewConfigurationError("topology", "read file", err)
	}
	return Parse(data)
}

// Default returns the embedded topology.
func Default() (*Topology, error) {
	return Parse(defaultDefinition)
}

// Services returns the services in definition order.
func (t *Topology) Services() []models.Service {
	return append([]models.Service(nil), t.services...)
}

// Len returns the number of services.
func (t *Topology) Len() int { return len(t.services) }

// Service looks a service up by name.
func (t *Topology) Service(name string) (models.Service, bool) {
	i, ok := t.index[name]
	if !ok {
		return models.Service{}, false
	}
	return t.services[i], true
}

// IndexOf returns the node index of a service.
func (t *Topology) IndexOf(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Has reports whether the service exists.
func (t *Topology) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// DependentsOf returns the services that call service directly, sorted by name.
func (t *Topology) DependentsOf(service string) []string {
	i, ok := t.index[service]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(t.dependents[i]))
	for _, j := range t.dependents[i] {
		names = append(names, t.services[j].Name)
	}
	sort.Strings(names)
	return names
}

// Reachable returns every transitive dependent of origin together with all
// path lengths that reach it. The origin itself is excluded.
func (t *Topology) Reachable(origin string) []Reach {
	start, ok := t.index[origin]
	if !ok {
		return nil
	}

	hops := make([]map[int]struct{}, len(t.services))
	hops[start] = map[int]struct{}{0: {}}
	for _, n := range t.order {
		if hops[n] == nil {
			continue
		}
		for _, caller := range t.dependents[n] {
			if hops[caller] == nil {
				hops[caller] = make(map[int]struct{})
			}
			for h := range hops[n] {
				hops[caller][h+1] = struct{}{}
			}
		}
	}

	result := make([]Reach, 0)
	for i, set := range hops {
		if i == start || set == nil {
			continue
		}
		list := make([]int, 0, len(set))
		for h := range set {
			list = append(list, h)
		}
		sort.Ints(list)
		result = append(result, Reach{Service: t.services[i].Name, Index: i, Hops: list})
	}
	sort.Slice(result, func(a, b int) bool {
		if result[a].MinHops() != result[b].MinHops() {
			return result[a].MinHops() < result[b].MinHops()
		}
		return result[a].Service < result[b].Service
	})
	return result
}
