package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"xdrforward/internal/normalize"
)

const (
	// EnvFileVariable overrides the location of the optional .env file.
	EnvFileVariable = "XDRFORWARD_ENV_FILE"

	defaultLogLevel         = "info"
	defaultLogFormat        = "line"
	defaultAgentName        = "xdrforward"
	defaultSourceMode       = "both"
	defaultSourceType       = "live"
	defaultPageSize         = 100
	defaultRequestTimeout   = 60 * time.Second
	defaultPollInterval     = 60 * time.Second
	defaultInitialLookback  = 24 * time.Hour
	defaultRawField         = "raw"
	defaultObserverProduct  = "Cortex XDR"
	defaultObserverVendor   = "Palo Alto Networks"
	defaultObserverType     = "XDR"
	defaultLogstashTimeout  = 15 * time.Second
	defaultKafkaTimeout     = 15 * time.Second
	defaultPprofListen      = "127.0.0.1:6060"
	defaultHealthListen     = "127.0.0.1:9091"
	defaultHealthService    = "xdrforward"
	defaultArchivePath      = "data/archive.db"
	sourceTypeLive          = "live"
	sourceTypeFixture       = "fixture"
	sourceModeAlerts        = "alerts"
	sourceModeIncidents     = "incidents"
	sourceModeBoth          = "both"
	maxPageSize             = 100
	minPollInterval         = time.Second
	defaultLogstashAddrPort = "5044"
)

var defaultTags = []string{"cortex-xdr", "alert"}

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "15s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root forwarder configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	Global  GlobalConfig  `toml:"global"`
	Log     LogConfig     `toml:"log"`
	Pprof   PprofConfig   `toml:"pprof"`
	Health  HealthConfig  `toml:"health"`
	Source  SourceConfig  `toml:"source"`
	Mapping MappingConfig `toml:"mapping"`
	Filter  FilterConfig  `toml:"filter"`
	Output  OutputConfig  `toml:"output"`
}

// GlobalConfig names this forwarder instance; both values end up in agent.* fields.
type GlobalConfig struct {
	Name string `toml:"name"`
	Host string `toml:"host"`
}

// LogConfig contains console/file logging configuration.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML; Color only affects console line format.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
	Color   bool   `toml:"color"`
}

// PprofConfig defines optional runtime pprof HTTP endpoint.
// Params: enabled flag and listen address in host:port format.
// Returns: pprof runtime settings.
type PprofConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// HealthConfig defines optional gRPC health endpoint.
type HealthConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Service string `toml:"service"`
}

// SourceConfig selects and configures the event source.
// Params: Type live|fixture; Mode alerts|incidents|both; API credentials; paging and polling options.
// Returns: source settings.
type SourceConfig struct {
	Type            string        `toml:"type"`
	Mode            string        `toml:"mode"`
	BaseURL         string        `toml:"base_url"`
	APIKey          string        `toml:"api_key"`
	APIKeyID        string        `toml:"api_key_id"`
	PageSize        int           `toml:"page_size"`
	Timeout         Duration      `toml:"timeout"`
	VerifyTLS       *bool         `toml:"verify_tls"`
	PollInterval    Duration      `toml:"poll_interval"`
	Since           string        `toml:"since"`
	InitialLookback Duration      `toml:"initial_lookback"`
	Fixture         FixtureConfig `toml:"fixture"`
}

// FixtureConfig points to JSON array files replayed by the fixture source.
type FixtureConfig struct {
	AlertsFile    string `toml:"alerts_file"`
	IncidentsFile string `toml:"incidents_file"`
}

// MappingConfig locates the mapping rule table and static document metadata.
type MappingConfig struct {
	File     string         `toml:"file"`
	RawField string         `toml:"raw_field"`
	Tags     []string       `toml:"tags"`
	Observer ObserverConfig `toml:"observer"`
}

// ObserverConfig is copied into observer.* of every document.
type ObserverConfig struct {
	Product string `toml:"product"`
	Vendor  string `toml:"vendor"`
	Type    string `toml:"type"`
}

// FilterConfig holds drop_event expressions evaluated on mapped documents.
type FilterConfig struct {
	DropEvent []string `toml:"drop_event"`
}

// OutputConfig lists document outputs; every enabled output receives each batch.
type OutputConfig struct {
	Logstash LogstashConfig `toml:"logstash"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Archive  ArchiveConfig  `toml:"archive"`
	Stdout   StdoutConfig   `toml:"stdout"`
}

// LogstashConfig defines the newline-delimited JSON TCP/TLS output.
// Params: Enabled defaults to true; Addr host:port list tried in order.
// Returns: logstash output settings.
type LogstashConfig struct {
	Enabled *bool     `toml:"enabled"`
	Addr    []string  `toml:"addr"`
	Timeout Duration  `toml:"timeout"`
	TLS     TLSConfig `toml:"tls"`
}

// TLSConfig defines the optional TLS upgrade of the logstash stream.
type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	CAFile     string `toml:"ca_file"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	Verify     *bool  `toml:"verify"`
	ServerName string `toml:"server_name"`
}

// KafkaConfig defines the optional Kafka output.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	Timeout Duration `toml:"timeout"`
}

// ArchiveConfig defines the optional SQLite archive output.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// StdoutConfig prints mapped documents in addition to other outputs.
type StdoutConfig struct {
	Enabled bool `toml:"enabled"`
}

// Load reads .env, config file or directory, expands env vars, applies defaults and validates.
// Params: path to TOML file or directory of *.toml snippets.
// Returns: validated config or error.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(path); err != nil {
		return nil, err
	}

	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadEnvFile loads KEY=value pairs without overriding variables already set.
// Params: config path; the .env file is looked up next to it unless XDRFORWARD_ENV_FILE is set.
// Returns: error for unreadable explicit env file.
func loadEnvFile(configPath string) error {
	if explicit := strings.TrimSpace(os.Getenv(EnvFileVariable)); explicit != "" {
		if err := godotenv.Load(explicit); err != nil {
			return fmt.Errorf("load env file %q: %w", explicit, err)
		}
		return nil
	}

	dir := filepath.Dir(configPath)
	if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		dir = configPath
	}
	candidate := filepath.Join(dir, ".env")
	if _, err := os.Stat(candidate); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", candidate, err)
	}
	if err := godotenv.Load(candidate); err != nil {
		return fmt.Errorf("load env file %q: %w", candidate, err)
	}
	return nil
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}
	if info.IsDir() {
		return readConfigDir(path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return raw, nil
}

// readConfigDir concatenates *.toml snippets in lexical order, each separated by a blank line.
func readConfigDir(path string) ([]byte, error) {
	matches, err := filepath.Glob(filepath.Join(path, "*.toml"))
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}
	sort.Strings(matches)

	var builder strings.Builder
	for _, filePath := range matches {
		info, err := os.Stat(filePath)
		if err != nil {
			return nil, fmt.Errorf("stat config %q: %w", filePath, err)
		}
		if info.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, err)
		}
		builder.Write(raw)
		builder.WriteString("\n\n")
	}

	if builder.Len() == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}
	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: error if defaulting needs host lookup and it fails.
func (c *Config) applyDefaults() error {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")
	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	c.Global.Name = valueOrDefault(c.Global.Name, defaultAgentName)
	if strings.TrimSpace(c.Global.Host) == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		c.Global.Host = host
	}

	if strings.TrimSpace(c.Pprof.Listen) == "" {
		c.Pprof.Listen = defaultPprofListen
	}
	c.Health.Listen = valueOrDefault(c.Health.Listen, defaultHealthListen)
	c.Health.Service = valueOrDefault(c.Health.Service, defaultHealthService)

	src := &c.Source
	src.Type = lowerOrDefault(src.Type, defaultSourceType)
	src.Mode = lowerOrDefault(src.Mode, defaultSourceMode)
	src.BaseURL = strings.TrimSpace(src.BaseURL)
	src.APIKey = strings.TrimSpace(src.APIKey)
	src.APIKeyID = strings.TrimSpace(src.APIKeyID)
	src.Since = strings.TrimSpace(src.Since)
	if src.PageSize == 0 {
		src.PageSize = defaultPageSize
	}
	if src.Timeout.Duration == 0 {
		src.Timeout.Duration = defaultRequestTimeout
	}
	if src.PollInterval.Duration == 0 {
		src.PollInterval.Duration = defaultPollInterval
	}
	if src.InitialLookback.Duration == 0 {
		src.InitialLookback.Duration = defaultInitialLookback
	}
	if src.VerifyTLS == nil {
		src.VerifyTLS = boolPtr(true)
	}

	c.Mapping.File = strings.TrimSpace(c.Mapping.File)
	c.Mapping.RawField = valueOrDefault(c.Mapping.RawField, defaultRawField)
	if c.Mapping.Tags == nil {
		c.Mapping.Tags = append([]string(nil), defaultTags...)
	}
	c.Mapping.Observer.Product = valueOrDefault(c.Mapping.Observer.Product, defaultObserverProduct)
	c.Mapping.Observer.Vendor = valueOrDefault(c.Mapping.Observer.Vendor, defaultObserverVendor)
	c.Mapping.Observer.Type = valueOrDefault(c.Mapping.Observer.Type, defaultObserverType)

	ls := &c.Output.Logstash
	if ls.Enabled == nil {
		ls.Enabled = boolPtr(true)
	}
	if ls.Timeout.Duration == 0 {
		ls.Timeout.Duration = defaultLogstashTimeout
	}
	if ls.TLS.Verify == nil {
		ls.TLS.Verify = boolPtr(true)
	}
	for i, addr := range ls.Addr {
		ls.Addr[i] = withDefaultPort(strings.TrimSpace(addr), defaultLogstashAddrPort)
	}

	if c.Output.Kafka.Timeout.Duration == 0 {
		c.Output.Kafka.Timeout.Duration = defaultKafkaTimeout
	}
	c.Output.Archive.Path = valueOrDefault(c.Output.Archive.Path, defaultArchivePath)

	return nil
}

// validate validates required fields and value ranges.
// Params: receiver config pointer.
// Returns: path-qualified validation error.
func (c *Config) validate() error {
	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if err := validateListen("pprof", c.Pprof.Enabled, c.Pprof.Listen); err != nil {
		return err
	}
	if err := validateListen("health", c.Health.Enabled, c.Health.Listen); err != nil {
		return err
	}
	if err := validateSource("source", c.Source); err != nil {
		return err
	}

	if c.Mapping.File == "" {
		return fmt.Errorf("mapping.file is required")
	}
	for idx, tag := range c.Mapping.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("mapping.tags[%d] cannot be empty", idx)
		}
	}
	for idx, expression := range c.Filter.DropEvent {
		if strings.TrimSpace(expression) == "" {
			return fmt.Errorf("filter.drop_event[%d] cannot be empty", idx)
		}
	}

	return c.Output.validate("output")
}

// validateSource validates API or fixture settings for the selected source type.
func validateSource(path string, src SourceConfig) error {
	switch src.Mode {
	case sourceModeAlerts, sourceModeIncidents, sourceModeBoth:
	default:
		return fmt.Errorf("%s.mode: unsupported value %q (want alerts, incidents or both)", path, src.Mode)
	}
	if src.PageSize < 1 || src.PageSize > maxPageSize {
		return fmt.Errorf("%s.page_size must be in [1,%d]", path, maxPageSize)
	}
	if src.Timeout.Duration < 0 {
		return fmt.Errorf("%s.timeout must be >= 0", path)
	}
	if src.PollInterval.Duration < minPollInterval {
		return fmt.Errorf("%s.poll_interval must be >= %s", path, minPollInterval)
	}
	if src.InitialLookback.Duration < 0 {
		return fmt.Errorf("%s.initial_lookback must be >= 0", path)
	}
	if src.Since != "" {
		if _, err := normalize.ISOToEpochMillis(src.Since); err != nil {
			return fmt.Errorf("%s.since: %w", path, err)
		}
	}

	switch src.Type {
	case sourceTypeLive:
		if src.BaseURL == "" {
			return fmt.Errorf("%s.base_url is required for live source", path)
		}
		if src.APIKey == "" {
			return fmt.Errorf("%s.api_key is required for live source", path)
		}
		if src.APIKeyID == "" {
			return fmt.Errorf("%s.api_key_id is required for live source", path)
		}
	case sourceTypeFixture:
		needAlerts := src.Mode == sourceModeAlerts || src.Mode == sourceModeBoth
		needIncidents := src.Mode == sourceModeIncidents || src.Mode == sourceModeBoth
		if needAlerts && strings.TrimSpace(src.Fixture.AlertsFile) == "" {
			return fmt.Errorf("%s.fixture.alerts_file is required for mode %q", path, src.Mode)
		}
		if needIncidents && strings.TrimSpace(src.Fixture.IncidentsFile) == "" {
			return fmt.Errorf("%s.fixture.incidents_file is required for mode %q", path, src.Mode)
		}
	default:
		return fmt.Errorf("%s.type: unsupported value %q (want live or fixture)", path, src.Type)
	}
	return nil
}

func (o OutputConfig) validate(path string) error {
	ls := o.Logstash
	if ls.IsEnabled() {
		if len(ls.Addr) == 0 {
			return fmt.Errorf("%s.logstash.addr is required when logstash output is enabled", path)
		}
		for idx, addr := range ls.Addr {
			if addr == "" {
				return fmt.Errorf("%s.logstash.addr[%d] cannot be empty", path, idx)
			}
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("%s.logstash.addr[%d] must be host:port: %w", path, idx, err)
			}
		}
		if ls.Timeout.Duration < 0 {
			return fmt.Errorf("%s.logstash.timeout must be >= 0", path)
		}
		if ls.TLS.Enabled && (strings.TrimSpace(ls.TLS.CertFile) == "") != (strings.TrimSpace(ls.TLS.KeyFile) == "") {
			return fmt.Errorf("%s.logstash.tls.cert_file and key_file must be set together", path)
		}
	}

	if o.Kafka.Enabled {
		if len(o.Kafka.Brokers) == 0 {
			return fmt.Errorf("%s.kafka.brokers is required when kafka output is enabled", path)
		}
		if strings.TrimSpace(o.Kafka.Topic) == "" {
			return fmt.Errorf("%s.kafka.topic is required when kafka output is enabled", path)
		}
	}

	if !ls.IsEnabled() && !o.Kafka.Enabled && !o.Archive.Enabled && !o.Stdout.Enabled {
		return fmt.Errorf("%s: at least one output must be enabled", path)
	}
	return nil
}

// IsEnabled reports whether the logstash output is active; unset means enabled.
func (l LogstashConfig) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// VerifyEnabled reports whether the sink certificate is verified; unset means verified.
func (t TLSConfig) VerifyEnabled() bool {
	return t.Verify == nil || *t.Verify
}

// VerifyTLSEnabled reports whether upstream API certificates are verified; unset means verified.
func (s SourceConfig) VerifyTLSEnabled() bool {
	return s.VerifyTLS == nil || *s.VerifyTLS
}

// LiveSource reports whether events come from the upstream API.
func (s SourceConfig) LiveSource() bool {
	return s.Type == sourceTypeLive
}

// StartCursor resolves the initial fetch watermark.
// Params: now reference time used with initial_lookback.
// Returns: epoch milliseconds from since, or now minus initial_lookback; error when since is malformed.
func (s SourceConfig) StartCursor(now time.Time) (int64, error) {
	if since := strings.TrimSpace(s.Since); since != "" {
		ms, err := normalize.ISOToEpochMillis(since)
		if err != nil {
			return 0, fmt.Errorf("source.since: %w", err)
		}
		return ms, nil
	}
	start := now.Add(-s.InitialLookback.Duration).UnixMilli()
	if start < 0 {
		return 0, nil
	}
	return start, nil
}

// validateSink validates one logging sink.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}
	switch sink.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level: unsupported value %q", name, sink.Level)
	}
	switch sink.Format {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format: unsupported value %q", name, sink.Format)
	}
	return nil
}

// validateListen validates an optional host:port listener.
func validateListen(path string, enabled bool, listen string) error {
	if !enabled {
		return nil
	}
	if strings.TrimSpace(listen) == "" {
		return fmt.Errorf("%s.listen cannot be empty when enabled", path)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return fmt.Errorf("%s.listen must be host:port: %w", path, err)
	}
	return nil
}

// withDefaultPort appends port when addr carries none.
func withDefaultPort(addr, port string) string {
	if addr == "" {
		return addr
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	if strings.Count(addr, ":") > 1 && !strings.HasPrefix(addr, "[") {
		return net.JoinHostPort(addr, port)
	}
	if strings.Contains(addr, ":") {
		return addr
	}
	return net.JoinHostPort(addr, port)
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
// Params: value to normalize; fallback value when empty.
// Returns: normalized value.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}

func valueOrDefault(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func boolPtr(value bool) *bool {
	return &value
}
