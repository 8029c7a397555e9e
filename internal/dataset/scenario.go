package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Scenario is a named set of inputs, usually kept as
// data/<business_line>/scenarios/<name>.yaml.
//
// Relative input paths resolve against the business-line directory, the
// parent of the scenarios directory. Output names keep only their file name
// and are placed under <business-line directory>/results.
type Scenario struct {
	Name          string         `koanf:"name"`
	Description   string         `koanf:"description"`
	Registrations string         `koanf:"registrations"`
	Offers        string         `koanf:"offers"`
	Incentives    string         `koanf:"incentives"`
	Capacity      string         `koanf:"capacity"`
	Output        ScenarioOutput `koanf:"output"`
}

// ScenarioOutput names the artifacts written for a scenario.
type ScenarioOutput struct {
	Matches string `koanf:"matches"`
	POs     string `koanf:"pos"`
	Stats   string `koanf:"stats"`
}

// LoadScenario reads a scenario file and resolves its paths.
func LoadScenario(path string) (*Scenario, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", path, err)
	}
	var s Scenario
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("decode scenario %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = trimExt(filepath.Base(path))
	}
	if s.Registrations == "" || s.Offers == "" {
		return nil, fmt.Errorf("scenario %s: registrations and offers are required", path)
	}

	base := filepath.Dir(filepath.Dir(path))
	s.Registrations = resolve(base, s.Registrations)
	s.Offers = resolve(base, s.Offers)
	s.Incentives = resolve(base, s.Incentives)
	s.Capacity = resolve(base, s.Capacity)

	results := filepath.Join(base, "results")
	s.Output.Matches = output(results, s.Output.Matches)
	s.Output.POs = output(results, s.Output.POs)
	s.Output.Stats = output(results, s.Output.Stats)
	return &s, nil
}

// Paths returns the scenario's input files.
func (s *Scenario) Paths() Paths {
	return Paths{Registrations: s.Registrations, Offers: s.Offers, Incentives: s.Incentives}
}

// ListScenarios returns the scenario files in dir, sorted.
func ListScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func output(dir, p string) string {
	if p == "" {
		return ""
	}
	return filepath.Join(dir, filepath.Base(p))
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
