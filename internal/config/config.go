// Package config loads ~/.ptydeck/config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/logging"
)

const (
	// FileName is the config file inside Dir().
	FileName = "config.toml"

	// EnvHome overrides the config directory.
	EnvHome = "PTYDECK_HOME"
	// EnvDebug forces debug logging when set to a non-empty value other than "0".
	EnvDebug = "PTYDECK_DEBUG"
)

// ErrParse is wrapped by decode failures.
var ErrParse = errors.New("config parse error")

// Config mirrors config.toml.
type Config struct {
	Logs     LogSettings        `toml:"logs"`
	Events   EventSettings      `toml:"events"`
	Terminal TerminalSettings   `toml:"terminal"`
	Web      WebSettings        `toml:"web"`
	Tools    map[string]ToolDef `toml:"tools"`
}

// LogSettings configures internal/logging.
type LogSettings struct {
	// Level is "debug", "info", "warn" or "error". Default: "info"
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB rotates debug.log past this size. Default: 10
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is rotated files to keep. Default: 5
	MaxBackups int `toml:"max_backups"`

	// MaxAgeDays is days to keep rotated files. Default: 10
	MaxAgeDays int `toml:"max_age_days"`

	// Compress gzips rotated files
	Compress bool `toml:"compress"`

	// RingBufferMB is the crash-dump buffer size. Default: 4
	RingBufferMB int `toml:"ring_buffer_mb"`

	// Pprof serves /debug/pprof on localhost:6060
	Pprof bool `toml:"pprof"`

	// Debug writes logs even without PTYDECK_DEBUG
	Debug bool `toml:"debug"`
}

// EventSettings configures the event history.
type EventSettings struct {
	// Capacity is how many records the history keeps. Default: 1000
	Capacity int `toml:"capacity"`

	// SampleEvery logs one in N dropped output events. Default: 100
	SampleEvery int `toml:"sample_every"`

	// OutputPolicy is "keep-waiting" (default) or "resume-work": what plain
	// output does to an agent waiting at a prompt.
	OutputPolicy string `toml:"output_policy"`
}

// TerminalSettings are spawn defaults.
type TerminalSettings struct {
	DefaultShell string `toml:"default_shell"`
	Cols         int    `toml:"cols"`
	Rows         int    `toml:"rows"`
}

// WebSettings configures `ptydeck serve`.
type WebSettings struct {
	Listen   string `toml:"listen"`
	Token    string `toml:"token"`
	ReadOnly bool   `toml:"read_only"`

	// InputRate limits websocket input messages per second. Default: 200
	InputRate float64 `toml:"input_rate"`
	// InputBurst is the limiter burst. Default: 50
	InputBurst int `toml:"input_burst"`
}

// ToolDef declares or tunes an agent kind.
//
// BusyPatterns, PromptPatterns and SpinnerChars replace the built-in lists
// when set; the *Extra fields append to them.
type ToolDef struct {
	// Command is what `ptydeck run --kind <name>` starts
	Command string   `toml:"command"`
	Args    []string `toml:"args"`

	BusyPatterns   []string `toml:"busy_patterns"`
	PromptPatterns []string `toml:"prompt_patterns"`
	SpinnerChars   []string `toml:"spinner_chars"`

	BusyPatternsExtra   []string `toml:"busy_patterns_extra"`
	PromptPatternsExtra []string `toml:"prompt_patterns_extra"`
	SpinnerCharsExtra   []string `toml:"spinner_chars_extra"`
}

const (
	defaultCapacity    = 1000
	defaultSampleEvery = 100
	defaultCols        = 120
	defaultRows        = 30
	defaultListen      = "127.0.0.1:8420"
	defaultInputRate   = 200
	defaultInputBurst  = 50
)

// Default returns an empty config; getters supply defaults.
func Default() *Config {
	return &Config{Tools: make(map[string]ToolDef)}
}

// Dir returns $PTYDECK_HOME or ~/.ptydeck.
func Dir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(EnvHome)); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".ptydeck"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// DebugFromEnv reports whether PTYDECK_DEBUG asks for debug logging.
func DebugFromEnv() bool {
	v := strings.TrimSpace(os.Getenv(EnvDebug))
	return v != "" && v != "0" && !strings.EqualFold(v, "false")
}

// Cache for the loaded config
var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Load returns the cached config, reading it on first use. A missing file
// yields defaults. On a parse error defaults are cached and returned along
// with an error wrapping ErrParse, so callers can report it and carry on.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = Default()
		return cache, nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		cache = Default()
		return cache, err
	}
	cache = cfg
	return cache, nil
}

// Reload drops the cache and reads the file again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache forgets the loaded config; the next Load reads from disk.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// LoadFile decodes path without touching the cache. A missing file yields
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return Default(), fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		logging.ForComponent(logging.CompConfig).Warn("config_unknown_keys",
			"path", path, "keys", strings.Join(keys, ","))
	}
	if cfg.Tools == nil {
		cfg.Tools = make(map[string]ToolDef)
	}
	return cfg, nil
}

// Save writes cfg to Path() atomically and clears the cache.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := SaveFile(path, cfg); err != nil {
		return err
	}
	ClearCache()
	return nil
}

// SaveFile encodes cfg to path via a synced temp file and rename.
func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# ptydeck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	_ = syncFile(tmp)
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize config save: %w", err)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// LoggingConfig maps [logs] onto logging.Config writing under dir.
func (c *Config) LoggingConfig(dir string) logging.Config {
	s := c.Logs
	ring := s.RingBufferMB
	if ring <= 0 {
		ring = 4
	}
	return logging.Config{
		LogDir:         dir,
		Level:          s.Level,
		Format:         s.Format,
		MaxSizeMB:      s.MaxSizeMB,
		MaxBackups:     s.MaxBackups,
		MaxAgeDays:     s.MaxAgeDays,
		Compress:       s.Compress,
		RingBufferSize: ring * 1024 * 1024,
		PprofEnabled:   s.Pprof,
		Debug:          s.Debug || DebugFromEnv(),
	}
}

// EventCapacity returns [events] capacity with its default.
func (c *Config) EventCapacity() int {
	if c.Events.Capacity > 0 {
		return c.Events.Capacity
	}
	return defaultCapacity
}

// SampleEvery returns [events] sample_every with its default.
func (c *Config) SampleEvery() int {
	if c.Events.SampleEvery > 0 {
		return c.Events.SampleEvery
	}
	return defaultSampleEvery
}

// OutputPolicy returns the reducer policy named by [events] output_policy.
func (c *Config) OutputPolicy() agent.OutputPolicy {
	switch strings.ToLower(strings.TrimSpace(c.Events.OutputPolicy)) {
	case "resume-work", "resume_work":
		return agent.OutputResumesWork
	default:
		return agent.OutputKeepsWaiting
	}
}

// TermSize returns [terminal] cols/rows, falling back to 120x30.
func (c *Config) TermSize() (cols, rows int) {
	cols, rows = c.Terminal.Cols, c.Terminal.Rows
	if cols <= 0 || rows <= 0 {
		return defaultCols, defaultRows
	}
	return cols, rows
}

// ListenAddr returns [web] listen with its default.
func (c *Config) ListenAddr() string {
	if addr := strings.TrimSpace(c.Web.Listen); addr != "" {
		return addr
	}
	return defaultListen
}

// InputLimits returns the websocket input rate and burst.
func (c *Config) InputLimits() (perSecond float64, burst int) {
	perSecond, burst = c.Web.InputRate, c.Web.InputBurst
	if perSecond <= 0 {
		perSecond = defaultInputRate
	}
	if burst <= 0 {
		burst = defaultInputBurst
	}
	return perSecond, burst
}

// Tool returns the [tools.<kind>] entry.
func (c *Config) Tool(kind agent.Kind) (ToolDef, bool) {
	def, ok := c.Tools[string(agent.NormalizeKind(string(kind)))]
	return def, ok
}

// KindNames returns every kind with a pattern table: built-ins plus
// configured tools, sorted.
func (c *Config) KindNames() []string {
	seen := make(map[string]bool)
	for _, k := range agent.BuiltinKinds() {
		seen[string(k)] = true
	}
	for name := range c.Tools {
		seen[string(agent.NormalizeKind(name))] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MergeToolPatterns combines the built-in table for kind with overrides and
// extras from [tools.<kind>]. Returns nil when there are neither.
func (c *Config) MergeToolPatterns(kind agent.Kind) *agent.RawPatterns {
	defaults := agent.DefaultRawPatterns(kind)
	def, ok := c.Tool(kind)
	if defaults == nil && !ok {
		return nil
	}

	var overrides, extras *agent.RawPatterns
	if ok && (def.BusyPatterns != nil || def.PromptPatterns != nil || def.SpinnerChars != nil) {
		overrides = &agent.RawPatterns{
			BusyPatterns:   def.BusyPatterns,
			PromptPatterns: def.PromptPatterns,
			SpinnerChars:   def.SpinnerChars,
		}
	}
	if ok && (len(def.BusyPatternsExtra) > 0 || len(def.PromptPatternsExtra) > 0 || len(def.SpinnerCharsExtra) > 0) {
		extras = &agent.RawPatterns{
			BusyPatterns:   def.BusyPatternsExtra,
			PromptPatterns: def.PromptPatternsExtra,
			SpinnerChars:   def.SpinnerCharsExtra,
		}
	}
	return agent.MergeRawPatterns(defaults, overrides, extras)
}

// PatternTables returns merged tables for every kind in KindNames.
func (c *Config) PatternTables() map[agent.Kind]*agent.RawPatterns {
	tables := make(map[agent.Kind]*agent.RawPatterns)
	for _, name := range c.KindNames() {
		k := agent.Kind(name)
		if raw := c.MergeToolPatterns(k); raw != nil {
			tables[k] = raw
		}
	}
	return tables
}

// Registry builds a classifier registry from PatternTables.
func (c *Config) Registry() *agent.Registry {
	r := agent.NewRegistry()
	r.Replace(c.PatternTables())
	return r
}
