package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"backlogwatch/internal/classify"
)

const FileName = "backlogwatch.yml"

// Config models backlogwatch.yml.
type Config struct {
	Data struct {
		Dir   string            `yaml:"dir"`
		Files map[string]string `yaml:"files"`
		// Dated is a file name pattern with a {date} placeholder (YYYY-MM-DD).
		Dated string `yaml:"dated"`
	} `yaml:"data"`
	Columns struct {
		Key       string `yaml:"key"`
		Status    string `yaml:"status"`
		Partition string `yaml:"partition"`
		Rank      string `yaml:"rank"`
	} `yaml:"columns"`
	Export struct {
		BatchSize  int    `yaml:"batch_size"`
		FilePrefix string `yaml:"file_prefix"`
		Format     string `yaml:"format"`
	} `yaml:"export"`
	Categories []classify.Category `yaml:"categories"`
	Dashboard  struct {
		ShiftOverall         bool     `yaml:"shift_overall"`
		ShiftCategories      []string `yaml:"shift_categories"`
		DayOverDayCategories []string `yaml:"day_over_day_categories"`
	} `yaml:"dashboard"`
	Auth struct {
		Password string        `yaml:"password"`
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Columns.Key == "" {
		return fmt.Errorf("config.columns.key is required")
	}
	if c.Export.BatchSize <= 0 {
		return fmt.Errorf("config.export.batch_size must be positive")
	}
	switch c.Export.Format {
	case "xlsx", "csv":
	default:
		return fmt.Errorf("config.export.format must be xlsx or csv")
	}
	if c.Data.Files[domainCurrent] == "" {
		return fmt.Errorf("config.data.files.current is required")
	}
	if c.Data.Dated != "" && !strings.Contains(c.Data.Dated, "{date}") {
		return fmt.Errorf("config.data.dated must contain {date}")
	}
	known := map[string]bool{}
	for _, cat := range c.Categories {
		if err := cat.Validate(); err != nil {
			return err
		}
		if known[cat.Name] {
			return fmt.Errorf("duplicate category %s", cat.Name)
		}
		known[cat.Name] = true
	}
	for _, name := range c.Dashboard.ShiftCategories {
		if !known[name] {
			return fmt.Errorf("dashboard.shift_categories references unknown category %s", name)
		}
	}
	for _, name := range c.Dashboard.DayOverDayCategories {
		if !known[name] {
			return fmt.Errorf("dashboard.day_over_day_categories references unknown category %s", name)
		}
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("config.auth.token_ttl must not be negative")
	}
	return nil
}

const domainCurrent = "current"

// DataDir resolves the data directory against the workspace.
func (c *Config) DataDir(workspace string) string {
	dir := c.Data.Dir
	if dir == "" {
		dir = "data"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Keys missing from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `data:
  dir: data
  files:
    current: Monitor_Pedidos_Processado.xlsx
    morning: Monitor_Pedidos_Processado_manha.xlsx
    afternoon: Monitor_Pedidos_Processado_tarde.xlsx
  dated: Monitor_Pedidos_Processado_{date}.xlsx

columns:
  key: PedidoFormatado
  status: Status
  partition: Carteira
  rank: Ranking

export:
  batch_size: 300
  file_prefix: Pedidos
  format: xlsx

categories:
  - name: critico
    label: "Pedidos críticos"
    kind: flag
    column: Critico
  - name: atraso_sla_2x
    label: "Atraso > 2x SLA"
    kind: threshold
    elapsed_field: DiasEmAberto
    sla_field: SLA
    multiplier: 2
    offset: 1
  - name: atraso_sla_3x
    label: "Atraso > 3x SLA"
    kind: threshold
    event_field: DataUltimoEvento
    sla_field: SLA
    multiplier: 3
    offset: 3

dashboard:
  shift_overall: true
  shift_categories: []
  day_over_day_categories: [critico, atraso_sla_2x, atraso_sla_3x]

auth:
  password: ""
  token_ttl: 12h

log:
  level: info
`
