package relay

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references in config values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads a YAML config, loading .env files first and
// expanding environment variable references before parsing. ${VAR:?msg}
// references with unset variables fail the load.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	normalizePaths(cfg)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	cfg.Reply.Normalize()
	return cfg, nil
}

// FindConfigFile searches standard locations for the config file.
func FindConfigFile() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		"warelay.yaml",
		"warelay.yml",
		"config.yaml",
		"config.yml",
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, ".warelay", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// SaveConfigToFile writes the config as YAML with owner-only permissions,
// backing up any existing file first.
func SaveConfigToFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// loadEnvFiles loads .env files without overriding existing variables.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references. Unset ${VAR} and $VAR keep
// their placeholder; ${VAR:-default} substitutes the default; ${VAR:?msg}
// produces an error.
func expandEnvVars(input string) (string, error) {
	var missing []string

	expanded := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := groups[1], groups[2], groups[3], groups[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch modifier {
		case "-":
			return value
		case "?":
			msg := value
			if msg == "" {
				msg = "required environment variable not set"
			}
			missing = append(missing, name+": "+msg)
			return match
		}
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return expanded, nil
}

// normalizePaths expands ~ in the path-valued settings.
func normalizePaths(cfg *Config) {
	cfg.WhatsApp.DatabasePath = expandHome(cfg.WhatsApp.DatabasePath)
	cfg.WhatsApp.MediaDir = expandHome(cfg.WhatsApp.MediaDir)
	cfg.Gateway.MediaDir = expandHome(cfg.Gateway.MediaDir)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// checkFilePermissions warns when the config file is group/world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path))
	}
}
