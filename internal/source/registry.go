package source

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Connector kinds accepted in the registry file.
const (
	KindHTTPJSON = "http_json"
	KindJSONLD   = "html_jsonld"
	KindFile     = "file"
)

// SourceConfig is one entry of the sources file.
type SourceConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	BaseURL    string `yaml:"base_url"`
	Query      string `yaml:"query"`
	ListURL    string `yaml:"list_url"`
	LinkPrefix string `yaml:"link_prefix"`
	Path       string `yaml:"path"`
	UserAgent  string `yaml:"user_agent"`
	Timeout    string `yaml:"timeout"`
	MaxPages   int    `yaml:"max_pages"`
}

type registryFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// Registry holds the configured connectors by name.
type Registry struct {
	connectors map[string]Connector
	configs    map[string]SourceConfig
}

// LoadRegistry reads a YAML sources file. Relative file paths are resolved
// against the directory of the sources file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sources file: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing sources file: %w", err)
	}

	r := NewRegistry()
	for _, sc := range f.Sources {
		if sc.Kind == KindFile && sc.Path != "" && !filepath.IsAbs(sc.Path) {
			sc.Path = filepath.Join(filepath.Dir(path), sc.Path)
		}
		c, err := build(sc)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", sc.Name, err)
		}
		if err := r.Register(c, sc); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func NewRegistry() *Registry {
	return &Registry{connectors: map[string]Connector{}, configs: map[string]SourceConfig{}}
}

// Register adds a connector. Names must be unique.
func (r *Registry) Register(c Connector, sc SourceConfig) error {
	if c.Name() == "" {
		return fmt.Errorf("source name is required")
	}
	if _, ok := r.connectors[c.Name()]; ok {
		return fmt.Errorf("duplicate source %q", c.Name())
	}
	r.connectors[c.Name()] = c
	r.configs[c.Name()] = sc
	return nil
}

func (r *Registry) Get(name string) (Connector, SourceConfig, bool) {
	c, ok := r.connectors[name]
	return c, r.configs[name], ok
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.connectors))
	for n := range r.connectors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func build(sc SourceConfig) (Connector, error) {
	var timeout time.Duration
	if sc.Timeout != "" {
		d, err := time.ParseDuration(sc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = d
	}
	switch sc.Kind {
	case KindHTTPJSON:
		return NewHTTPJSONConnector(HTTPJSONOptions{
			Name: sc.Name, BaseURL: sc.BaseURL, Query: sc.Query, UserAgent: sc.UserAgent, Timeout: timeout,
		})
	case KindJSONLD:
		return NewJSONLDConnector(JSONLDOptions{
			Name: sc.Name, ListURL: sc.ListURL, LinkPrefix: sc.LinkPrefix, UserAgent: sc.UserAgent, Timeout: timeout,
		})
	case KindFile:
		return NewFileConnector(sc.Name, sc.Path)
	default:
		return nil, fmt.Errorf("unknown kind %q", sc.Kind)
	}
}
