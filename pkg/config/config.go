// Package config provides a fully enumerated, validated configuration record
// for a meshsearch node. Every field is loaded from an environment variable
// (optionally via a .env file) and range-checked once at startup; nothing is
// parsed from YAML/TOML and nothing is read from disk at request time.
package config

import (
	"fmt"

	"github.com/joho/godotenv"

	"meshsearch/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Profile selects the resource envelope the Resource Governor enforces.
type Profile string

const (
	ProfileMinimal    Profile = "minimal"
	ProfileBalanced   Profile = "balanced"
	ProfileContributor Profile = "contributor"
	ProfileDedicated  Profile = "dedicated"
)

func (p Profile) valid() bool {
	switch p {
	case ProfileMinimal, ProfileBalanced, ProfileContributor, ProfileDedicated:
		return true
	default:
		return false
	}
}

// Config is the unified, validated configuration for a meshsearch node.
type Config struct {
	Network struct {
		ListenAddr     string
		BootstrapPeers []string
		DiscoveryTag   string
	}

	Identity struct {
		KeyPath     string
		PowDiff     int // leading zero bits required of the node ID, default 20
		Passphrase  string
	}

	Governor struct {
		Profile Profile
	}

	Storage struct {
		DataDir string
	}

	Logging struct {
		Level string // logrus level name
	}

	Admin struct {
		ListenAddr string // chi status/metrics surface, empty disables it
	}

	Geo struct {
		Latitude  float64 // this node's claimed location, for off-peak credit scoring
		Longitude float64
	}
}

// Validate rejects out-of-range fields. It is called once, at construction,
// never lazily at first use.
func (c *Config) Validate() error {
	if c.Network.ListenAddr == "" {
		return fmt.Errorf("config: network listen addr required")
	}
	if c.Identity.PowDiff < 1 || c.Identity.PowDiff > 64 {
		return fmt.Errorf("config: identity pow difficulty out of range: %d", c.Identity.PowDiff)
	}
	if !c.Governor.Profile.valid() {
		return fmt.Errorf("config: unknown governor profile: %q", c.Governor.Profile)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage data dir required")
	}
	return nil
}

// LoadFromEnv populates a Config from environment variables, optionally
// merging a .env file first (no-op if the file is absent), then validates it.
func LoadFromEnv(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		_ = godotenv.Load(dotenvPath) // absent file is not an error
	}

	var c Config
	c.Network.ListenAddr = utils.EnvOrDefault("MESH_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/4001")
	c.Network.DiscoveryTag = utils.EnvOrDefault("MESH_DISCOVERY_TAG", "meshsearch")
	c.Identity.KeyPath = utils.EnvOrDefault("MESH_KEY_PATH", "identity.key")
	c.Identity.PowDiff = utils.EnvOrDefaultInt("MESH_POW_DIFFICULTY", 20)
	c.Identity.Passphrase = utils.EnvOrDefault("MESH_KEY_PASSPHRASE", "")
	c.Governor.Profile = Profile(utils.EnvOrDefault("MESH_PROFILE", string(ProfileBalanced)))
	c.Storage.DataDir = utils.EnvOrDefault("MESH_DATA_DIR", "./data")
	c.Logging.Level = utils.EnvOrDefault("MESH_LOG_LEVEL", "info")
	c.Admin.ListenAddr = utils.EnvOrDefault("MESH_ADMIN_ADDR", "127.0.0.1:8787")
	c.Geo.Latitude = utils.EnvOrDefaultFloat64("MESH_GEO_LAT", 0)
	c.Geo.Longitude = utils.EnvOrDefaultFloat64("MESH_GEO_LON", 0)

	if err := c.Validate(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}
	return &c, nil
}
