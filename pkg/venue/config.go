package venue

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"marketsync/pkg/confkit"
	"marketsync/pkg/timeframe"
)

// Config describes the venues available to an ingestion run.
type Config struct {
	Venues map[string]*VenueConfig `yaml:"venues" validate:"required,min=1,dive,required"`
}

// VenueConfig holds the settings of a single venue.
type VenueConfig struct {
	Type    string `yaml:"type" validate:"required"`
	BaseURL string `yaml:"base_url"`
	Testnet bool   `yaml:"testnet"`

	TimeoutRaw     string        `yaml:"timeout" default:"30s"`
	Timeout        time.Duration `yaml:"-"`
	HTTPTimeoutRaw string        `yaml:"http_timeout" default:"10s"`
	HTTPTimeout    time.Duration `yaml:"-"`
	MaxRetries     int           `yaml:"max_retries" default:"2" validate:"gte=0,lte=10"`
	MinIntervalRaw string        `yaml:"min_interval"`
	MinInterval    time.Duration `yaml:"-"`

	// Timeframes overrides the list the adapter advertises.
	Timeframes []string `yaml:"timeframes" validate:"dive,required"`
	// Categories restricts enumeration to the named categories. Empty means all.
	Categories []string `yaml:"categories"`
	// Symbols restricts enumeration to the named symbols. Empty means all.
	Symbols []string `yaml:"symbols"`
	// Options carries adapter-specific settings.
	Options map[string]string `yaml:"options"`
}

// SourceBuilder constructs a Source from configuration.
type SourceBuilder func(name string, cfg *VenueConfig) (Source, error)

var (
	sourceRegistry   = make(map[string]SourceBuilder)
	sourceRegistryMu sync.RWMutex

	validate = validator.New()
)

// RegisterSource registers a venue constructor under a type name.
func RegisterSource(typeName string, builder SourceBuilder) {
	sourceRegistryMu.Lock()
	defer sourceRegistryMu.Unlock()
	sourceRegistry[strings.ToLower(strings.TrimSpace(typeName))] = builder
}

func lookupSourceBuilder(typeName string) (SourceBuilder, bool) {
	sourceRegistryMu.RLock()
	defer sourceRegistryMu.RUnlock()
	builder, ok := sourceRegistry[strings.ToLower(strings.TrimSpace(typeName))]
	return builder, ok
}

// RegisteredTypes lists the registered venue types in sorted order.
func RegisteredTypes() []string {
	sourceRegistryMu.RLock()
	defer sourceRegistryMu.RUnlock()
	out := make([]string, 0, len(sourceRegistry))
	for name := range sourceRegistry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadConfig reads venue configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open venue config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read venue config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal venue config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	if c.Venues == nil {
		c.Venues = make(map[string]*VenueConfig)
	}
	for name, v := range c.Venues {
		if v == nil {
			v = &VenueConfig{}
			c.Venues[name] = v
		}
		if err := defaults.Set(v); err != nil {
			return fmt.Errorf("venue %s: apply defaults: %w", name, err)
		}
		v.expandEnv()
		if err := v.parseDurations(name); err != nil {
			return err
		}
	}
	return nil
}

func (v *VenueConfig) expandEnv() {
	v.Type = strings.TrimSpace(os.ExpandEnv(v.Type))
	v.BaseURL = strings.TrimSpace(os.ExpandEnv(v.BaseURL))
	v.TimeoutRaw = strings.TrimSpace(os.ExpandEnv(v.TimeoutRaw))
	v.HTTPTimeoutRaw = strings.TrimSpace(os.ExpandEnv(v.HTTPTimeoutRaw))
	v.MinIntervalRaw = strings.TrimSpace(os.ExpandEnv(v.MinIntervalRaw))
	for i := range v.Timeframes {
		v.Timeframes[i] = strings.TrimSpace(v.Timeframes[i])
	}
	for k, val := range v.Options {
		v.Options[k] = os.ExpandEnv(val)
	}
}

func (v *VenueConfig) parseDurations(name string) error {
	parse := func(field, raw string, allowZero bool) (time.Duration, error) {
		if raw == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("venue %s: invalid %s %q: %w", name, field, raw, err)
		}
		if d < 0 || (d == 0 && !allowZero) {
			return 0, fmt.Errorf("venue %s: %s must be positive, got %s", name, field, d)
		}
		return d, nil
	}
	var err error
	if v.Timeout, err = parse("timeout", v.TimeoutRaw, false); err != nil {
		return err
	}
	if v.HTTPTimeout, err = parse("http_timeout", v.HTTPTimeoutRaw, false); err != nil {
		return err
	}
	if v.MinInterval, err = parse("min_interval", v.MinIntervalRaw, true); err != nil {
		return err
	}
	return nil
}

// Validate ensures the configuration is structurally sound.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("venue config: %w", describeValidation(err))
	}
	for name, v := range c.Venues {
		if strings.TrimSpace(name) == "" {
			return errors.New("venue config: venue name cannot be empty")
		}
		if err := v.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (v *VenueConfig) validate(name string) error {
	if _, ok := lookupSourceBuilder(v.Type); !ok {
		return fmt.Errorf("venue config: venue %s has unsupported type %q", name, v.Type)
	}
	for _, tf := range v.Timeframes {
		if !timeframe.Valid(tf) {
			return fmt.Errorf("venue config: venue %s has unknown timeframe %q", name, tf)
		}
	}
	for _, c := range v.Categories {
		if _, ok := ParseCategory(c); !ok {
			return fmt.Errorf("venue config: venue %s has unknown category %q", name, c)
		}
	}
	return nil
}

func describeValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Namespace()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must have at least %s entries", fe.Namespace(), fe.Param()))
		case "gte", "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s", fe.Namespace(), fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation: %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Names returns the configured venue names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Venues))
	for name := range c.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CategoryAllowed reports whether cat passes the venue's category allowlist.
func (v *VenueConfig) CategoryAllowed(cat Category) bool {
	if v == nil || len(v.Categories) == 0 {
		return true
	}
	for _, raw := range v.Categories {
		if c, ok := ParseCategory(raw); ok && c == cat {
			return true
		}
	}
	return false
}

// SymbolAllowed reports whether symbol passes the venue's symbol allowlist.
// Matching is case-insensitive.
func (v *VenueConfig) SymbolAllowed(symbol string) bool {
	if v == nil || len(v.Symbols) == 0 {
		return true
	}
	for _, s := range v.Symbols {
		if strings.EqualFold(strings.TrimSpace(s), symbol) {
			return true
		}
	}
	return false
}

// BuildSources instantiates venue sources according to configuration.
func (c *Config) BuildSources() (map[string]Source, error) {
	result := make(map[string]Source, len(c.Venues))
	for _, name := range c.Names() {
		src, err := c.BuildSource(name)
		if err != nil {
			return nil, err
		}
		result[name] = src
	}
	return result, nil
}

// BuildSource instantiates a single named venue.
func (c *Config) BuildSource(name string) (Source, error) {
	vc, ok := c.Venues[name]
	if !ok || vc == nil {
		return nil, fmt.Errorf("venue %s: not configured", name)
	}
	builder, ok := lookupSourceBuilder(vc.Type)
	if !ok {
		return nil, fmt.Errorf("venue %s: unsupported type %q", name, vc.Type)
	}
	src, err := builder(name, vc)
	if err != nil {
		return nil, fmt.Errorf("venue %s: %w", name, err)
	}
	return src, nil
}
