package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// UpdateStrategy defines how the staging repository is brought up to date
type UpdateStrategy string

const (
	// StrategyFastForward merges the remote branch tip non-destructively,
	// retrying once after a conflict.
	StrategyFastForward UpdateStrategy = "fast-forward"
	// StrategyHardReset forces the working tree to the remote branch tip,
	// discarding local changes to tracked files.
	StrategyHardReset UpdateStrategy = "hard-reset"
)

// DefaultMaxBackups is the number of snapshots retained after successful runs.
const DefaultMaxBackups = 3

// BuiltinProtectedPaths are the runtime paths owned by the running
// application. The sync pipeline must never create, modify, or delete them,
// regardless of what the remote repository tracks.
var BuiltinProtectedPaths = []string{
	".storage/",
	".cloud/",
	"secrets.yaml",
	"home-assistant_v2.db",
	"home-assistant_v2.db-wal",
	"home-assistant_v2.db-shm",
}

// Config represents the complete hasyncd configuration
type Config struct {
	Repo       RepoConfig       `yaml:"repo"`
	Paths      PathsConfig      `yaml:"paths"`
	Sync       SyncConfig       `yaml:"sync"`
	Backup     BackupConfig     `yaml:"backup"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Auth       AuthConfig       `yaml:"auth"`
	Serve      ServeConfig      `yaml:"serve"`
}

// RepoConfig configures the Git repository source
type RepoConfig struct {
	URL      string         `yaml:"url"`
	Remote   string         `yaml:"remote"`
	Branch   string         `yaml:"branch"`
	Strategy UpdateStrategy `yaml:"strategy"`
	Prune    bool           `yaml:"prune"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	LiveDir  string `yaml:"live_dir"`
	StateDir string `yaml:"state_dir"`
}

// Duration wraps time.Duration so YAML values like "5m" or "90s" parse.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Interval Duration `yaml:"interval"`
	// Mirror deletes live files absent from the staging tree.
	Mirror bool `yaml:"mirror"`
	// AllowUncleanTarget overrides the mirror-mode refusal when the live
	// directory still carries git metadata from an older in-place setup.
	AllowUncleanTarget bool `yaml:"allow_unclean_target"`
	// RestartIgnore lists changed files (exact path or directory prefix)
	// that do not warrant a restart of the application.
	RestartIgnore []string `yaml:"restart_ignore"`
	// ProtectedPaths extends the builtin protected set, e.g. user asset
	// directories like "www/".
	ProtectedPaths []string `yaml:"protected_paths"`
	// Exclude lists additional paths the deploy never copies or deletes,
	// e.g. runtime log files living in the live directory.
	Exclude []string `yaml:"exclude"`
}

// BackupConfig configures snapshot retention
type BackupConfig struct {
	Max int `yaml:"max"`
}

// SupervisorConfig configures the external validate/restart commands
type SupervisorConfig struct {
	ValidateCommand string `yaml:"validate_command"`
	RestartCommand  string `yaml:"restart_command"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
	Username       string `yaml:"username"`
	PasswordFile   string `yaml:"password_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled           bool     `yaml:"enabled"`
	ListenAddr        string   `yaml:"listen_addr"`
	WebhookSecretFile string   `yaml:"webhook_secret_file"`
	AllowedRefs       []string `yaml:"allowed_refs"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Paths.LiveDir = os.ExpandEnv(c.Paths.LiveDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Supervisor.ValidateCommand = os.ExpandEnv(c.Supervisor.ValidateCommand)
	c.Supervisor.RestartCommand = os.ExpandEnv(c.Supervisor.RestartCommand)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Auth.PasswordFile = os.ExpandEnv(c.Auth.PasswordFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Remote == "" {
		c.Repo.Remote = "origin"
	}
	if c.Repo.Strategy == "" {
		c.Repo.Strategy = StrategyFastForward
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(xdg.StateHome, "hasyncd")
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = Duration(5 * time.Minute)
	}
	if c.Backup.Max == 0 {
		c.Backup.Max = DefaultMaxBackups
	}
	if c.Supervisor.ValidateCommand == "" {
		c.Supervisor.ValidateCommand = "ha core check"
	}
	if c.Supervisor.RestartCommand == "" {
		c.Supervisor.RestartCommand = "ha core restart"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate repo config
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}
	if c.Repo.Branch == "" {
		return fmt.Errorf("repo.branch is required")
	}

	// Validate update strategy
	switch c.Repo.Strategy {
	case StrategyFastForward, StrategyHardReset:
		// valid
	default:
		return fmt.Errorf("invalid repo.strategy: %s (must be fast-forward or hard-reset)", c.Repo.Strategy)
	}

	// Validate paths
	if c.Paths.LiveDir == "" {
		return fmt.Errorf("paths.live_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Paths.LiveDir) {
		return fmt.Errorf("paths.live_dir must be an absolute path: %s", c.Paths.LiveDir)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	// The staging tree must never live inside the live directory: deploy
	// mirrors staging onto live, and a nested staging tree would be both
	// source and target of the copy.
	if within(c.StagingDir(), c.Paths.LiveDir) {
		return fmt.Errorf("paths.state_dir staging tree must not be inside paths.live_dir")
	}

	if c.Sync.Interval.Std() < time.Second {
		return fmt.Errorf("sync.interval must be at least 1s: %s", c.Sync.Interval)
	}
	if c.Backup.Max < 1 {
		return fmt.Errorf("backup.max must be at least 1: %d", c.Backup.Max)
	}

	// Validate auth: only one auth method may be configured
	methods := 0
	if c.Auth.SSHKeyFile != "" {
		methods++
	}
	if c.Auth.HTTPSTokenFile != "" {
		methods++
	}
	if c.Auth.Username != "" || c.Auth.PasswordFile != "" {
		if c.Auth.Username == "" || c.Auth.PasswordFile == "" {
			return fmt.Errorf("auth: username and password_file must be set together")
		}
		methods++
	}
	if methods > 1 {
		return fmt.Errorf("auth: only one of ssh_key_file, https_token_file, or username/password_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}
	if c.Auth.PasswordFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.password_file is set but repo.url does not use HTTPS scheme")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.WebhookSecretFile == "" {
			return fmt.Errorf("serve.webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// StagingDir returns the path where the git repository is checked out
func (c *Config) StagingDir() string {
	return filepath.Join(c.Paths.StateDir, "staging")
}

// BackupDir returns the root directory for point-in-time snapshots
func (c *Config) BackupDir() string {
	return filepath.Join(c.Paths.StateDir, "backups")
}

// LockFilePath returns the path of the advisory lock guarding the pipeline
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.StateDir, "hasyncd.lock")
}

// MarkerFilePath returns the path of the interrupted-deploy marker
func (c *Config) MarkerFilePath() string {
	return filepath.Join(c.Paths.StateDir, "deploy-in-progress")
}

// ProtectedPaths returns the builtin protected set plus configured extensions
func (c *Config) ProtectedPaths() []string {
	out := make([]string, 0, len(BuiltinProtectedPaths)+len(c.Sync.ProtectedPaths))
	out = append(out, BuiltinProtectedPaths...)
	out = append(out, c.Sync.ProtectedPaths...)
	return out
}

// DeployExcludes returns every path the deploy must neither copy nor delete:
// protected paths, configured excludes, git metadata, and the pipeline's own
// bookkeeping when the state dir is nested inside the live directory.
func (c *Config) DeployExcludes() []string {
	out := c.ProtectedPaths()
	out = append(out, c.Sync.Exclude...)
	out = append(out, ".git/")
	if rel, err := filepath.Rel(c.Paths.LiveDir, c.Paths.StateDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		out = append(out, filepath.ToSlash(rel)+"/")
	}
	return out
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "token"
	}
	if c.Auth.Username != "" {
		return "password"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}

// within reports whether path is lexically inside dir (not equal to it).
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
