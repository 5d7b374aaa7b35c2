package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the immutable process configuration, seeded from the
// environment at startup.
type Config struct {
	// Listen address for the HTTP surface, e.g. ":5060".
	ListenAddr string

	// Collaborating service URLs.
	PostOfficeURL      string
	BrainURL           string
	LibrarianURL       string
	SecurityManagerURL string
	MissionControlURL  string
	EngineerURL        string

	// ClientSecret authenticates this service to the security manager when
	// minting service tokens.
	ClientSecret string

	// Host capability identity.
	CMVersion string
	AppName   string

	// MissionID identifies the mission this instance serves, when any.
	MissionID string

	// Filesystem roots.
	PluginRoot   string // inline plugin bundles
	CacheRoot    string // git-materialized bundles
	ArtifactRoot string // artifact store base
	ConfigRoot   string // per-plugin configuration records

	// LogLevel is the textual slog level ("debug", "info", ...).
	LogLevel string
}

// FromEnv builds the configuration from environment variables, applying
// defaults for anything unset. Paths are resolved relative to baseDir when
// the corresponding variable is unset.
func FromEnv(baseDir string) Config {
	if baseDir == "" {
		baseDir = "."
	}
	cfg := Config{
		ListenAddr:         ":" + envOr("CAPMAN_PORT", "5060"),
		PostOfficeURL:      envOr("POSTOFFICE_URL", "postoffice:5020"),
		BrainURL:           envOr("BRAIN_URL", "brain:5070"),
		LibrarianURL:       envOr("LIBRARIAN_URL", "librarian:5040"),
		SecurityManagerURL: envOr("SECURITYMANAGER_URL", "securitymanager:5010"),
		MissionControlURL:  envOr("MISSIONCONTROL_URL", "missioncontrol:5030"),
		EngineerURL:        envOr("ENGINEER_URL", "engineer:5050"),
		ClientSecret:       os.Getenv("CLIENT_SECRET"),
		CMVersion:          envOr("CM_VERSION", "1.0.0"),
		AppName:            envOr("CM_APP_NAME", "capabilitiesmanager"),
		MissionID:          os.Getenv("MISSION_ID"),
		PluginRoot:         envOr("CAPMAN_PLUGIN_ROOT", filepath.Join(baseDir, "plugins")),
		CacheRoot:          envOr("CAPMAN_CACHE_ROOT", filepath.Join(baseDir, "plugin_cache")),
		ArtifactRoot:       envOr("CAPMAN_ARTIFACT_ROOT", filepath.Join(baseDir, "artifacts")),
		ConfigRoot:         envOr("CAPMAN_CONFIG_ROOT", filepath.Join(baseDir, "config")),
		LogLevel:           envOr("CAPMAN_LOG_LEVEL", "info"),
	}
	return cfg
}

// Validate checks the fields that have no workable default.
func (c Config) Validate() error {
	if _, err := strconv.Atoi(c.ListenAddr[1:]); c.ListenAddr == "" || c.ListenAddr[0] != ':' || err != nil {
		return fmt.Errorf("invalid listen address %q", c.ListenAddr)
	}
	if c.CMVersion == "" {
		return fmt.Errorf("CM_VERSION must not be empty")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
