package automation

import (
	"fmt"
	"os"
	"time"

	"github.com/senseyeio/duration"
	"gopkg.in/yaml.v3"

	"github.com/studiopulse/autopilot/pkg/automation/runtime"
)

type definitionsDoc struct {
	Processes []processDoc `yaml:"processes"`
}

type processDoc struct {
	Name   string    `yaml:"name"`
	MaxAge string    `yaml:"maxAge"`
	Steps  []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	Action string `yaml:"action"`
	Delay  string `yaml:"delay"`
}

// LoadDefinitionsFromFile reads process definitions from a YAML file. Delays
// and the overall timeout are ISO-8601 durations (e.g. "P3D", "PT6H").
func LoadDefinitionsFromFile(filename string) ([]runtime.ProcessDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read process definitions %s: %w", filename, err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions parses and validates YAML process definitions.
func ParseDefinitions(data []byte) ([]runtime.ProcessDefinition, error) {
	var doc definitionsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process definitions: %w", err)
	}
	res := make([]runtime.ProcessDefinition, 0, len(doc.Processes))
	seen := make(map[string]bool)
	for _, pd := range doc.Processes {
		if pd.Name == "" {
			return nil, fmt.Errorf("process definition without name")
		}
		if seen[pd.Name] {
			return nil, fmt.Errorf("duplicate process definition %q", pd.Name)
		}
		seen[pd.Name] = true
		if len(pd.Steps) == 0 {
			return nil, fmt.Errorf("process %s has no steps", pd.Name)
		}
		maxAge, err := parseISODuration(pd.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("process %s: invalid maxAge: %w", pd.Name, err)
		}
		if maxAge <= 0 {
			return nil, fmt.Errorf("process %s: maxAge must be positive", pd.Name)
		}
		steps := make([]runtime.Step, 0, len(pd.Steps))
		for i, sd := range pd.Steps {
			if sd.Action == "" {
				return nil, fmt.Errorf("process %s: step %d has no action", pd.Name, i)
			}
			delay := time.Duration(0)
			if sd.Delay != "" {
				delay, err = parseISODuration(sd.Delay)
				if err != nil {
					return nil, fmt.Errorf("process %s: step %d: invalid delay: %w", pd.Name, i, err)
				}
			}
			steps = append(steps, runtime.Step{Action: sd.Action, Delay: delay})
		}
		res = append(res, runtime.ProcessDefinition{
			Name:   pd.Name,
			Steps:  steps,
			MaxAge: maxAge,
		})
	}
	return res, nil
}

// parseISODuration converts an ISO-8601 duration to a time.Duration. Days and
// weeks are fixed-length; month or year components are rejected because step
// delays must be deterministic.
func parseISODuration(s string) (time.Duration, error) {
	d, err := duration.ParseISO8601(s)
	if err != nil {
		return 0, err
	}
	if d.Y != 0 || d.M != 0 {
		return 0, fmt.Errorf("year/month components are not supported in %q", s)
	}
	res := time.Duration(d.W)*7*24*time.Hour +
		time.Duration(d.D)*24*time.Hour +
		time.Duration(d.TH)*time.Hour +
		time.Duration(d.TM)*time.Minute +
		time.Duration(d.TS)*time.Second
	return res, nil
}
