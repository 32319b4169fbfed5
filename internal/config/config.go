// Package config resolves TaskDaemon's configuration through the layered
// order built-in defaults -> user-global file -> per-project file ->
// environment variables -> invocation flags, using viper to merge the
// layers and a small typed accessor on top for the option table in
// SPEC_FULL.md section 6.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "TASKDAEMON"

// Config is the fully resolved, typed configuration for one TaskDaemon
// process.
type Config struct {
	LLMProvider   string
	LLMModel      string
	LLMAPIKeyEnv  string
	LLMBaseURL    string
	LLMMaxTokens  int
	LLMTimeoutMs  int

	MaxLoops      int
	MaxAPICalls   int
	MaxWorktrees  int

	ValidationCommand     string
	ValidationTimeoutMs   int
	ValidationMaxIterations int

	GitBaseDir          string
	GitSharedBaseBranch string

	StorePath       string
	StoreWarnMB     int
	StoreErrorMB    int

	ProgressMaxEntries int
	ProgressMaxChars   int

	EventsRedisURL string
	ArchiveS3Bucket string
	MetricsEnabled  bool

	ControlAPIAddr string
	LogLevel       string
	LogFormat      string
}

// Load resolves configuration from defaults, the user-global file, the
// per-project file, environment variables, and any flags already parsed
// into fs. Either path may not exist; a missing file is not an error.
func Load(userGlobalPath, projectPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if userGlobalPath == "" {
		if home, err := homedir.Dir(); err == nil {
			userGlobalPath = home + "/.taskdaemon/config.yaml"
		}
	}
	mergeFile(v, userGlobalPath)
	if projectPath == "" {
		projectPath = "./.taskdaemon.yaml"
	}
	mergeFile(v, projectPath)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	cfg := &Config{
		LLMProvider:             v.GetString("llm.provider"),
		LLMModel:                v.GetString("llm.model"),
		LLMAPIKeyEnv:            v.GetString("llm.api-key-env"),
		LLMBaseURL:              v.GetString("llm.base-url"),
		LLMMaxTokens:            v.GetInt("llm.max-tokens"),
		LLMTimeoutMs:            v.GetInt("llm.timeout-ms"),
		MaxLoops:                v.GetInt("concurrency.max-loops"),
		MaxAPICalls:             v.GetInt("concurrency.max-api-calls"),
		MaxWorktrees:            v.GetInt("concurrency.max-worktrees"),
		ValidationCommand:       v.GetString("validation.command"),
		ValidationTimeoutMs:     v.GetInt("validation.iteration-timeout-ms"),
		ValidationMaxIterations: v.GetInt("validation.max-iterations"),
		GitBaseDir:              v.GetString("git.base-dir"),
		GitSharedBaseBranch:     v.GetString("git.shared-base-branch"),
		StorePath:               v.GetString("store.path"),
		StoreWarnMB:             v.GetInt("store.size-warn-mb"),
		StoreErrorMB:            v.GetInt("store.size-error-mb"),
		ProgressMaxEntries:      v.GetInt("progress.max-entries"),
		ProgressMaxChars:        v.GetInt("progress.max-chars"),
		EventsRedisURL:          v.GetString("events.redis-url"),
		ArchiveS3Bucket:         v.GetString("archive.s3-bucket"),
		MetricsEnabled:          v.GetBool("metrics.enabled"),
		ControlAPIAddr:          v.GetString("controlapi.addr"),
		LogLevel:                v.GetString("log.level"),
		LogFormat:               v.GetString("log.format"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(v *viper.Viper, path string) {
	v.SetConfigFile(path)
	_ = v.MergeInConfig() // missing/unreadable config files are not fatal
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.api-key-env", "ANTHROPIC_API_KEY")
	v.SetDefault("llm.base-url", "")
	v.SetDefault("llm.max-tokens", 8192)
	v.SetDefault("llm.timeout-ms", 120_000)

	v.SetDefault("concurrency.max-loops", 50)
	v.SetDefault("concurrency.max-api-calls", 10)
	v.SetDefault("concurrency.max-worktrees", 50)

	v.SetDefault("validation.command", "")
	v.SetDefault("validation.iteration-timeout-ms", int(5*time.Minute/time.Millisecond))
	v.SetDefault("validation.max-iterations", 20)

	v.SetDefault("git.base-dir", "/tmp/taskdaemon/worktrees")
	v.SetDefault("git.shared-base-branch", "main")

	v.SetDefault("store.path", "")
	v.SetDefault("store.size-warn-mb", 256)
	v.SetDefault("store.size-error-mb", 1024)

	v.SetDefault("progress.max-entries", 5)
	v.SetDefault("progress.max-chars", 500)

	v.SetDefault("events.redis-url", "")
	v.SetDefault("archive.s3-bucket", "")
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("controlapi.addr", ":8420")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.MaxLoops <= 0 {
		errs = append(errs, "concurrency.max-loops must be positive")
	}
	if cfg.MaxAPICalls <= 0 {
		errs = append(errs, "concurrency.max-api-calls must be positive")
	}
	if cfg.MaxWorktrees <= 0 {
		errs = append(errs, "concurrency.max-worktrees must be positive")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of debug, info, warn, error")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// WatchFile watches path for writes and invokes onChange after each one,
// so a long-running daemon can at least log that its on-disk config
// drifted from what it resolved at startup (Config itself is immutable
// once Load returns; picking up the new values still requires a
// restart). The returned io.Closer stops the watch.
func WatchFile(path string, onChange func()) (io.Closer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onChange()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}
