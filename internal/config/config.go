package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	SourceRecent = "recent"
	SourceDir    = "dir"

	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Library   Library   `json:"library" yaml:"library"`
	Scheduler Scheduler `json:"scheduler" yaml:"scheduler"`
	Converter Converter `json:"converter" yaml:"converter"`
	Cache     Cache     `json:"cache" yaml:"cache"`
	Metadata  Metadata  `json:"metadata" yaml:"metadata"`
	Refresh   *Refresh  `json:"refresh,omitempty" yaml:"refresh,omitempty"`
	Service   Service   `json:"service" yaml:"service"`
}

// Library selects the documents shown.
type Library struct {
	Source      string   `json:"source" yaml:"source"`                             // "recent" | "dir"
	XBEL        string   `json:"xbel,omitempty" yaml:"xbel,omitempty"`             // empty => $XDG_DATA_HOME/recently-used.xbel
	Paths       []string `json:"paths,omitempty" yaml:"paths,omitempty"`           // library directories of the "dir" source
	MaxItems    int      `json:"max_items" yaml:"max_items"`
	IconSize    int      `json:"icon_size" yaml:"icon_size"`
	Application string   `json:"application,omitempty" yaml:"application,omitempty"` // show only its documents
	Frame       bool     `json:"frame" yaml:"frame"`
}

type Scheduler struct {
	Workers int `json:"workers" yaml:"workers"`
}

// Converter is the external program turning PostScript into PDF.
type Converter struct {
	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"` // replaces the default ghostscript arguments
}

type Cache struct {
	Dir         string `json:"dir,omitempty" yaml:"dir,omitempty"` // empty => user cache dir
	NegativeTTL string `json:"negative_ttl" yaml:"negative_ttl"`
}

type Metadata struct {
	Store    string `json:"store" yaml:"store"` // "file" | "redis" | "memory"
	Dir      string `json:"dir,omitempty" yaml:"dir,omitempty"`
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
}

// Refresh configures periodic refreshes, by a cron expression or a fixed
// interval.
type Refresh struct {
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every string `json:"every,omitempty" yaml:"every,omitempty"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}
	return &out, nil
}

// check covers the rules depending on more than one field.
func (c Config) check() error {
	var errs []error
	if c.Library.Source == SourceDir && len(c.Library.Paths) == 0 {
		errs = append(errs, errors.New("library.paths: required for the dir source"))
	}
	if c.Metadata.Store == StoreRedis && c.Metadata.RedisURL == "" {
		errs = append(errs, errors.New("metadata.redis_url: required for the redis store"))
	}
	if c.Refresh != nil {
		switch {
		case c.Refresh.Cron != "" && c.Refresh.Every != "":
			errs = append(errs, errors.New("refresh: cron and every are mutually exclusive"))
		case c.Refresh.Cron != "":
			if err := ParseCron(c.Refresh.Cron); err != nil {
				errs = append(errs, fmt.Errorf("refresh.cron: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// NegativeTTL returns the parsed cache.negative_ttl.
func (c Config) NegativeTTL() (time.Duration, error) {
	if c.Cache.NegativeTTL == "" {
		return 0, nil
	}
	return ParseCueDuration(c.Cache.NegativeTTL)
}

// DefaultConfig returns the configuration written when none exists.
func DefaultConfig(ctx context.Context) Config {
	cfg := Config{
		Version: 0,
		Library: Library{
			Source:   SourceRecent,
			MaxItems: 20,
			IconSize: 128,
		},
		Scheduler: Scheduler{
			Workers: 2,
		},
		Converter: Converter{
			Path: "gs",
		},
		Cache: Cache{
			NegativeTTL: "10m",
		},
		Metadata: Metadata{
			Store: StoreFile,
		},
		Service: Service{
			Log: LogStderr,
		},
	}
	slog.DebugContext(ctx, "using default configuration")
	return cfg
}
