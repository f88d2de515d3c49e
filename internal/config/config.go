// Package config loads the environment-driven settings the core consumes
// (§6). It keeps the teacher's getEnv/projectRoot shape, extended to a
// loadable struct so tests can construct isolated configurations.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of environment-driven settings for one process.
type Config struct {
	AssistantName string

	PollInterval          time.Duration
	SchedulerPollInterval time.Duration
	IdleTimeout           time.Duration

	MaxConcurrentAgents int

	WorkspaceRoot   string // root that every group Folder must resolve inside
	StoreDir        string
	GroupsDir       string
	DataDir         string
	MainGroupFolder string

	// TriggerPattern, when RequireTrigger is true, gates which messages the
	// router treats as pending work. It is opt-in (see Open Question in
	// spec.md §9): the teacher's repo disabled an equivalent gate entirely
	// because its pool bots were read-only, so here it defaults off.
	TriggerPattern *regexp.Regexp
	RequireTrigger bool

	AgentBackend     string // "container" (default) or "adk"
	ContainerImage   string
	ContainerRuntime string // "" = default runtime, "runsc" = gVisor
}

// Load reads .env (if present, via godotenv) and then the process
// environment, falling back to sane defaults for anything unset.
func Load() *Config {
	_ = godotenv.Load(filepath.Join(projectRoot(), ".env"))

	root := projectRoot()
	assistant := getEnv("ASSISTANT_NAME", "Andy")

	cfg := &Config{
		AssistantName:         assistant,
		PollInterval:          getEnvDuration("POLL_INTERVAL", 2000*time.Millisecond),
		SchedulerPollInterval: getEnvDuration("SCHEDULER_POLL_INTERVAL", 60*time.Second),
		IdleTimeout:           getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),
		MaxConcurrentAgents:   getEnvInt("MAX_CONCURRENT_AGENTS", 5),
		WorkspaceRoot:         getEnv("WORKSPACE_ROOT", root),
		StoreDir:              getEnv("STORE_DIR", filepath.Join(root, "store")),
		GroupsDir:             getEnv("GROUPS_DIR", filepath.Join(root, "groups")),
		DataDir:               getEnv("DATA_DIR", filepath.Join(root, "data")),
		MainGroupFolder:       getEnv("MAIN_GROUP_FOLDER", "main"),
		RequireTrigger:        getEnvBool("REQUIRE_TRIGGER", false),
		AgentBackend:          getEnv("AGENT_BACKEND", "container"),
		ContainerImage:        getEnv("AGENT_CONTAINER_IMAGE", "nanoclaw-agent:latest"),
		ContainerRuntime:      getEnv("AGENT_CONTAINER_RUNTIME", ""),
	}

	pattern := getEnv("TRIGGER_PATTERN", "")
	if pattern == "" {
		pattern = defaultTriggerPattern(assistant)
	}
	cfg.TriggerPattern = regexp.MustCompile(pattern)

	return cfg
}

// DBPath returns the SQLite database path for this configuration.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "nanoclaw.db")
}

// LockPath returns the singleton lock-file path (§6): <StoreDir>/nanoclaw.lock.
func (c *Config) LockPath() string {
	return filepath.Join(c.StoreDir, "nanoclaw.lock")
}

// ValidateFolder enforces the group folder policy of §6: non-empty,
// relative, no ".." segments, no leading "/", and its absolute resolution
// must stay inside WorkspaceRoot.
func ValidateFolder(workspaceRoot, folder string) (string, error) {
	if folder == "" {
		return "", fmt.Errorf("group folder must not be empty")
	}
	if filepath.IsAbs(folder) {
		return "", fmt.Errorf("group folder %q must be relative", folder)
	}
	clean := filepath.Clean(folder)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("group folder %q must not contain ..", folder)
		}
	}
	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	absFolder, err := filepath.Abs(filepath.Join(absRoot, clean))
	if err != nil {
		return "", fmt.Errorf("resolve group folder: %w", err)
	}
	rel, err := filepath.Rel(absRoot, absFolder)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("group folder %q escapes workspace root", folder)
	}
	return clean, nil
}

func defaultTriggerPattern(assistantName string) string {
	return `(?i)^@` + regexp.QuoteMeta(assistantName) + `\b`
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts a plain integer as milliseconds (matching the
// teacher's PollInterval/IdleTimeout convention) or a Go duration string
// like "30s".
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func projectRoot() string {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "."
	}
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "."
}
