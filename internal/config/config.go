package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cobblehill/agentboard/internal/shell"
)

// Config is the assembled runtime configuration. Precedence is flags over
// environment over built-in defaults; a .env file in the working directory
// feeds the environment before flags are read.
type Config struct {
	Addr           string
	WorkspaceRoot  string
	AgentCommand   string
	AgentArgs      []string
	AuthToken      string
	AllowedOrigins []string
	SandboxMode    string

	Profiles []shell.Profile

	RequestTimeout time.Duration
	CallTimeout    time.Duration
	IdleTimeout    time.Duration
	Retention      time.Duration
	ModelTTL       time.Duration
	MaxSessions    int
}

// defaultProfiles applies when no profile file is configured. A login
// shell is the only command exposed by default.
var defaultProfiles = []shell.Profile{
	{Name: "bash", Command: "bash", Args: []string{"-l"}},
}

// Load builds the configuration from a .env file (if present), the
// environment, and the given command-line arguments.
func Load(args []string) (*Config, error) {
	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determine working directory: %w", err)
	}

	fs := flag.NewFlagSet("agentboard", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: agentboard [flags]\n\n")
		fmt.Fprintf(fs.Output(), "Session bridge between browser dashboards and a local agent app-server.\n\n")
		fmt.Fprintf(fs.Output(), "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\nExamples:\n")
		fmt.Fprintf(fs.Output(), "  agentboard --workspace-root ~/src --addr 127.0.0.1:8080\n")
		fmt.Fprintf(fs.Output(), "  agentboard --auth-token SECRET --shell-profiles ./profiles.yaml\n")
	}
	addr := fs.String("addr", envOr("AGENTBOARD_ADDR", "127.0.0.1:8080"), "HTTP listen address")
	root := fs.String("workspace-root", envOr("AGENTBOARD_WORKSPACE_ROOT", cwd), "workspace root directory; all thread and shell cwds stay inside it")
	agentCmd := fs.String("agent-cmd", envOr("AGENTBOARD_AGENT_CMD", "codex"), "agent app-server executable")
	agentArgs := fs.String("agent-args", envOr("AGENTBOARD_AGENT_ARGS", "app-server"), "comma-separated arguments for the agent executable")
	authToken := fs.String("auth-token", envOr("AGENTBOARD_AUTH_TOKEN", ""), "optional auth token (Bearer header or ?token=...)")
	origins := fs.String("allowed-origins", envOr("AGENTBOARD_ALLOWED_ORIGINS", "localhost:*"), "comma-separated origin patterns for WebSocket CORS")
	sandbox := fs.String("sandbox-mode", envOr("AGENTBOARD_SANDBOX_MODE", "workspace-write"), "sandbox mode passed on thread creation")
	profilesFile := fs.String("shell-profiles", envOr("AGENTBOARD_SHELL_PROFILES", ""), "YAML file with the shell profile allow-list")
	requestTimeout := fs.Duration("request-timeout", envDurOr("AGENTBOARD_REQUEST_TIMEOUT", 30*time.Second), "per-request upstream timeout")
	callTimeout := fs.Duration("call-timeout", envDurOr("AGENTBOARD_CALL_TIMEOUT", 60*time.Second), "default RPC call timeout")
	idleTimeout := fs.Duration("shell-idle-timeout", envDurOr("AGENTBOARD_SHELL_IDLE_TIMEOUT", 10*time.Minute), "kill shell sessions with no attached client after this long")
	retention := fs.Duration("shell-retention", envDurOr("AGENTBOARD_SHELL_RETENTION", time.Hour), "keep exited shell sessions listable for this long")
	modelTTL := fs.Duration("model-ttl", envDurOr("AGENTBOARD_MODEL_TTL", 5*time.Minute), "model catalog cache lifetime")
	maxSessions := fs.Int("max-shells", envIntOr("AGENTBOARD_MAX_SHELLS", 32), "maximum concurrent live shell sessions")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	profiles := defaultProfiles
	if *profilesFile != "" {
		profiles, err = loadProfiles(*profilesFile)
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Addr:           *addr,
		WorkspaceRoot:  *root,
		AgentCommand:   *agentCmd,
		AgentArgs:      splitList(*agentArgs),
		AuthToken:      *authToken,
		AllowedOrigins: splitList(*origins),
		SandboxMode:    *sandbox,
		Profiles:       profiles,
		RequestTimeout: *requestTimeout,
		CallTimeout:    *callTimeout,
		IdleTimeout:    *idleTimeout,
		Retention:      *retention,
		ModelTTL:       *modelTTL,
		MaxSessions:    *maxSessions,
	}
	if cfg.AgentCommand == "" {
		return nil, fmt.Errorf("agent-cmd is required")
	}
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max-shells must be positive, got %d", cfg.MaxSessions)
	}
	return cfg, nil
}

func loadProfiles(path string) ([]shell.Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shell profiles: %w", err)
	}
	var doc struct {
		Profiles []shell.Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse shell profiles %s: %w", path, err)
	}
	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("shell profiles %s: no profiles defined", path)
	}
	seen := make(map[string]bool, len(doc.Profiles))
	for _, p := range doc.Profiles {
		if p.Name == "" || p.Command == "" {
			return nil, fmt.Errorf("shell profiles %s: every profile needs a name and a command", path)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("shell profiles %s: duplicate profile %q", path, p.Name)
		}
		seen[p.Name] = true
	}
	return doc.Profiles, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
