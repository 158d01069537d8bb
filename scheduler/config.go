package scheduler

import (
	"fmt"
	"os"

	"github.com/mmlabs-mindmaze/mmpack-buildd/builder"
	"github.com/mmlabs-mindmaze/mmpack-buildd/filterrule"
	"github.com/mmlabs-mindmaze/mmpack-buildd/internal/ordered"
	"github.com/mmlabs-mindmaze/mmpack-buildd/metrics"
	"gopkg.in/yaml.v3"
)

// RepositoryArchConfig is the `repositories.<name>.<arch>` sub-document.
type RepositoryArchConfig struct {
	Path string `yaml:"path"`
}

// DependencyRepositoryArchConfig is the `dependency-repositories.<name>.<arch>`
// sub-document.
type DependencyRepositoryArchConfig struct {
	URL string `yaml:"url"`
}

// MirrorConfig is the optional `mirror.s3` sub-document.
type MirrorConfig struct {
	S3 struct {
		Bucket string `yaml:"bucket"`
		Prefix string `yaml:"prefix"`
	} `yaml:"s3"`
}

// StatusConfig is the optional `status` sub-document.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the scheduler's top-level configuration document.
type Config struct {
	Repositories           *ordered.Map[string, *ordered.Map[string, RepositoryArchConfig]]           `yaml:"repositories"`
	DependencyRepositories *ordered.Map[string, *ordered.Map[string, DependencyRepositoryArchConfig]] `yaml:"dependency-repositories"`
	Builders               *ordered.Map[string, builder.ProcessBuilderConfig]                         `yaml:"builders"`
	Rules                  *ordered.Map[string, filterrule.RuleConfig]                                `yaml:"rules"`
	Mirror                 MirrorConfig                                                               `yaml:"mirror"`
	Status                 StatusConfig                                                               `yaml:"status"`
	Metrics                metrics.CollectorConfig                                                    `yaml:"metrics"`
	WorkRoot               string                                                                     `yaml:"work-root"`
	RepositoryCommand      string                                                                     `yaml:"repository-command"`
	GeneratorCommand       string                                                                     `yaml:"generator-command"`
}

// LoadConfig reads and parses the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &filterrule.ConfigError{Msg: fmt.Sprintf("reading config %s: %v", path, err)}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &filterrule.ConfigError{Msg: fmt.Sprintf("parsing config %s: %v", path, err)}
	}

	if cfg.Repositories == nil || cfg.Repositories.Len() == 0 {
		return nil, &filterrule.ConfigError{Msg: "no repositories configured"}
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}

	return &cfg, nil
}

// RepositoryNames returns the configured upload-repository family names, in
// configuration order. It implements filterrule.RepositoriesConfig.
func (c *Config) RepositoryNames() []string {
	var names []string
	c.Repositories.Range(func(name string, _ *ordered.Map[string, RepositoryArchConfig]) error {
		names = append(names, name)
		return nil
	})
	return names
}

// ArchsFor returns the architectures configured for a given upload-repository
// family. It implements filterrule.RepositoriesConfig.
func (c *Config) ArchsFor(name string) []string {
	archs, ok := c.Repositories.Get(name)
	if !ok {
		return nil
	}
	var result []string
	archs.Range(func(arch string, _ RepositoryArchConfig) error {
		result = append(result, arch)
		return nil
	})
	return result
}
