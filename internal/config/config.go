// Package config loads the feed profiles from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"feedgrab/internal/filter"
	"feedgrab/internal/model"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "config.toml"

// State backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

const globalSection = "global"

const (
	defaultVerbose        = true
	defaultParallel       = 2
	defaultPath           = "./"
	defaultRunForever     = false
	defaultCheckTimer     = 15
	defaultRequestTimeout = 60
	defaultCycleTimeout   = 0
	defaultLogLevel       = "info"
	defaultStateDir       = "."
	defaultDatabasePath   = "./data/state.db"
)

// Config holds the application configuration.
type Config struct {
	LogLevel      string `validate:"oneof=debug info warn warning error"`
	LogFile       string
	StateBackend  string `validate:"oneof=file sqlite"`
	StateDir      string `validate:"required_if=StateBackend file"`
	DatabasePath  string `validate:"required_if=StateBackend sqlite"`
	MetricsAddr   string `validate:"omitempty,listen_addr"`
	TelegramToken string
	Profiles      []model.Profile `validate:"-"`
}

// Error is returned for any problem that prevents the configuration from
// loading. Key names the offending setting when there is one.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Flag is a boolean that also accepts the strings "true", "1" and "on".
// Any other string is false.
type Flag struct {
	set bool
	val bool
}

// UnmarshalTOML implements toml.Unmarshaler.
func (f *Flag) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case bool:
		f.val = x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "on":
			f.val = true
		default:
			f.val = false
		}
	case int64:
		f.val = x == 1
	default:
		return fmt.Errorf("expected boolean, got %T", v)
	}
	f.set = true
	return nil
}

type section struct {
	Enable         []string `toml:"enable"`
	URL            *string  `toml:"url"`
	Path           *string  `toml:"path"`
	Verbose        Flag     `toml:"verbose"`
	Parallel       *int     `toml:"parallel_download"`
	RunForever     Flag     `toml:"run_forever"`
	CheckTimer     *int     `toml:"check_timer"`
	Match          *string  `toml:"match"`
	MatchFalse     *string  `toml:"match_false"`
	RequestTimeout *int     `toml:"request_timeout"`
	CycleTimeout   *int     `toml:"cycle_timeout"`
	TelegramChat   *int64   `toml:"telegram_chat"`

	LogLevel     *string `toml:"log_level"`
	LogFile      *string `toml:"log_file"`
	StateBackend *string `toml:"state_backend"`
	StateDir     *string `toml:"state_dir"`
	DatabasePath *string `toml:"database_path"`
	MetricsAddr  *string `toml:"metrics_addr"`
}

// fieldKeys maps struct fields to the setting names users write.
var fieldKeys = map[string]string{
	"Name":           "name",
	"FeedURL":        "url",
	"Destination":    "path",
	"Parallel":       "parallel_download",
	"Interval":       "check_timer",
	"RequestTimeout": "request_timeout",
	"CycleTimeout":   "cycle_timeout",
	"LogLevel":       "log_level",
	"StateBackend":   "state_backend",
	"StateDir":       "state_dir",
	"DatabasePath":   "database_path",
	"MetricsAddr":    "metrics_addr",
}

// Load reads the config file at path, applies environment overrides and
// resolves every enabled profile. forceVerbose turns on verbose logging for
// all profiles.
func Load(path string, forceVerbose bool, log *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &Error{Key: ".env", Err: err}
	}

	var sections map[string]section
	if _, err := toml.DecodeFile(path, &sections); err != nil {
		return nil, &Error{Err: fmt.Errorf("read %s: %w", path, err)}
	}

	global := sections[globalSection]
	cfg := &Config{
		LogLevel:     strings.ToLower(stringOr(global.LogLevel, defaultLogLevel)),
		LogFile:      stringOr(global.LogFile, ""),
		StateBackend: stringOr(global.StateBackend, BackendFile),
		StateDir:     stringOr(global.StateDir, defaultStateDir),
		DatabasePath: stringOr(global.DatabasePath, defaultDatabasePath),
		MetricsAddr:  stringOr(global.MetricsAddr, ""),
	}
	applyEnv(cfg)

	validate := newValidator()
	if err := validate.Struct(cfg); err != nil {
		return nil, validationError(globalSection, err)
	}

	if len(global.Enable) == 0 {
		return nil, &Error{Key: "global.enable", Err: errors.New("no profiles enabled")}
	}

	var seen []string
	for _, name := range global.Enable {
		if slices.Contains(seen, name) {
			continue
		}
		seen = append(seen, name)

		sec, ok := sections[name]
		if !ok || sec.URL == nil || *sec.URL == "" {
			log.Warn("profile has no url, skipping", "profile", name)
			continue
		}

		p := resolve(name, global, sec, log)
		if forceVerbose {
			p.Verbose = true
		}
		if err := validate.Struct(p); err != nil {
			return nil, validationError(name, err)
		}
		cfg.Profiles = append(cfg.Profiles, p)
	}

	if len(cfg.Profiles) == 0 {
		return nil, &Error{Key: "global.enable", Err: errors.New("no runnable profiles")}
	}
	return cfg, nil
}

func resolve(name string, global, sec section, log *slog.Logger) model.Profile {
	include := stringOr(firstSet(sec.Match, global.Match), "")
	exclude := stringOr(firstSet(sec.MatchFalse, global.MatchFalse), "")

	return model.Profile{
		Name:           name,
		FeedURL:        *sec.URL,
		Destination:    stringOr(firstSet(sec.Path, global.Path), defaultPath),
		Verbose:        flagOr(defaultVerbose, global.Verbose, sec.Verbose),
		Parallel:       intOr(firstSet(sec.Parallel, global.Parallel), defaultParallel),
		RunForever:     flagOr(defaultRunForever, global.RunForever, sec.RunForever),
		Interval:       time.Duration(intOr(firstSet(sec.CheckTimer, global.CheckTimer), defaultCheckTimer)) * time.Minute,
		RequestTimeout: time.Duration(intOr(firstSet(sec.RequestTimeout, global.RequestTimeout), defaultRequestTimeout)) * time.Second,
		CycleTimeout:   time.Duration(intOr(firstSet(sec.CycleTimeout, global.CycleTimeout), defaultCycleTimeout)) * time.Second,
		TelegramChatID: int64Or(firstSet(sec.TelegramChat, global.TelegramChat), 0),
		Filter:         compileFilter(name, include, exclude, log),
	}
}

// compileFilter builds the title filter of a profile. A side that does not
// compile is logged and replaced by the empty pattern.
func compileFilter(profile, include, exclude string, log *slog.Logger) filter.Rule {
	for {
		rule, err := filter.Compile(include, exclude)
		if err == nil {
			return rule
		}
		var pe *filter.PatternError
		if !errors.As(err, &pe) {
			log.Warn("invalid filter, matching everything", "profile", profile, "error", err)
			return filter.MatchAll()
		}
		log.Warn("invalid filter pattern, using empty pattern", "profile", profile, "side", pe.Side, "error", pe.Err)
		if pe.Side == "include" {
			include = ""
		} else {
			exclude = ""
		}
	}
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"FEEDGRAB_LOG_LEVEL", &cfg.LogLevel},
		{"FEEDGRAB_LOG_FILE", &cfg.LogFile},
		{"FEEDGRAB_STATE_DIR", &cfg.StateDir},
		{"FEEDGRAB_DATABASE_PATH", &cfg.DatabasePath},
		{"FEEDGRAB_TELEGRAM_TOKEN", &cfg.TelegramToken},
		{"FEEDGRAB_METRICS_ADDR", &cfg.MetricsAddr},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
}

func newValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		return validListenAddr(fl.Field().String())
	})
	return validate
}

// validListenAddr accepts host:port with an empty, IPv4, IPv6 or named host.
func validListenAddr(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return false
	}
	return !strings.ContainsAny(host, " /")
}

func validationError(scope string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &Error{Key: scope, Err: err}
	}
	fe := verrs[0]
	key := fe.Field()
	if k, ok := fieldKeys[key]; ok {
		key = k
	}
	return &Error{
		Key: scope + "." + key,
		Err: fmt.Errorf("value %v fails %q", fe.Value(), fe.ActualTag()),
	}
}

func firstSet[T any](vals ...*T) *T {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func int64Or(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}

// flagOr returns the last set flag, or def when none is set.
func flagOr(def bool, flags ...Flag) bool {
	v := def
	for _, f := range flags {
		if f.set {
			v = f.val
		}
	}
	return v
}
