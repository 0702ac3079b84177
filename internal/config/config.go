package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/meshlink/internal/proto"
	"github.com/petervdpas/meshlink/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
	P2P      P2P      `json:"p2p"`
	Relay    Relay    `json:"relay"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Profile struct {
	Username      string `json:"username"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// gossipsub topic used for discovery announcements.
	AnnounceTopic string `json:"announce_topic"`
}

type Relay struct {
	// If true, run the local room relay on Bind:Port instead of a peer node.
	Host bool `json:"host"`

	// Bind address for the relay server. "0.0.0.0" accepts connections
	// from other machines on the network.
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// Optional websocket URL of a relay to join as a client.
	// Example: ws://192.168.1.10:3001
	URL string `json:"url"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Profile: Profile{
			Username: "anonymous",
			Status:   proto.StatusOnline,
		},
		P2P: P2P{
			ListenPort:    0,
			MdnsTag:       "meshlink-mdns",
			AnnounceTopic: proto.AnnounceTopic,
		},
		Relay: Relay{
			Host: false,
			Bind: "0.0.0.0",
			Port: 3001,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Profile
	if _, err := util.ValidateUsername(c.Profile.Username); err != nil {
		return fmt.Errorf("profile.username: %w", err)
	}
	switch c.Profile.Status {
	case proto.StatusOnline, proto.StatusBusy, proto.StatusInvisible:
	default:
		return fmt.Errorf("profile.status must be one of online, busy, invisible")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if strings.TrimSpace(c.P2P.AnnounceTopic) == "" {
		return errors.New("p2p.announce_topic is required")
	}

	// Relay (hosting)
	if c.Relay.Host {
		if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
			return errors.New("relay.port must be 1..65535 when relay.host is enabled")
		}
		if b := c.Relay.Bind; b != "" {
			if net.ParseIP(b) == nil {
				return errors.New("relay.bind must be a valid IP address")
			}
		}
	}

	// Relay (client join)
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
