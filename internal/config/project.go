// YAML project file loading. Supports environment variable overrides via
// ${VAR} or $VAR syntax in values.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectFile is the top-level structure of foreman.yaml.
type ProjectFile struct {
	// Projects lists the tracked backlogs.
	Projects []Project `yaml:"projects"`

	// Skills maps skill names to agent command lines.
	Skills map[string]SkillCommand `yaml:"skills"`
}

// Project describes one tracked backlog.
type Project struct {
	// Key is "owner/repo".
	Key string `yaml:"key"`

	// Workdir is the checkout the agent runs in.
	Workdir string `yaml:"workdir"`

	// PollInterval overrides the global scheduler interval.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxAuto overrides the global concurrency ceiling for auto-started sessions.
	MaxAuto int `yaml:"max_auto"`

	// Enabled controls whether the scheduler polls this backlog.
	Enabled bool `yaml:"enabled"`
}

// SkillCommand is the command line an agent is launched with for one skill.
type SkillCommand struct {
	Bin  string   `yaml:"bin"`
	Args []string `yaml:"args"`
}

// Owner returns the owner half of the project key.
func (p Project) Owner() string {
	owner, _, _ := strings.Cut(p.Key, "/")
	return owner
}

// Repo returns the repository half of the project key.
func (p Project) Repo() string {
	_, repo, _ := strings.Cut(p.Key, "/")
	return repo
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}|\$(\w+)`)

// expandEnv replaces ${VAR} and $VAR references with environment values.
// Unset variables expand to the empty string.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "$")
		name = strings.TrimPrefix(name, "{")
		name = strings.TrimSuffix(name, "}")
		return os.Getenv(name)
	})
}

// LoadProjects reads and validates the YAML project file.
func LoadProjects(path string) (*ProjectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading project file: %w", err)
	}
	return ParseProjects(data)
}

// ParseProjects parses project file bytes (useful for testing).
func ParseProjects(data []byte) (*ProjectFile, error) {
	expanded := expandEnv(string(data))

	var pf ProjectFile
	if err := yaml.Unmarshal([]byte(expanded), &pf); err != nil {
		return nil, fmt.Errorf("parsing project file: %w", err)
	}

	seen := make(map[string]bool, len(pf.Projects))
	for i, p := range pf.Projects {
		if p.Key == "" || !strings.Contains(p.Key, "/") {
			return nil, fmt.Errorf("project %d: key must be owner/repo, got %q", i, p.Key)
		}
		if seen[p.Key] {
			return nil, fmt.Errorf("duplicate project key %q", p.Key)
		}
		seen[p.Key] = true
	}

	for name, sc := range pf.Skills {
		if sc.Bin == "" {
			return nil, fmt.Errorf("skill %q: bin is required", name)
		}
	}

	return &pf, nil
}
