// Package engine is the torrent engine's top-level entry point: Config
// plus the Session type in the session subpackage that applications
// embed.
package engine

import (
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config collects every tunable the session and its torrents need.
// LoadConfig starts from DefaultConfig, so fields the YAML file leaves
// out keep their default values.
type Config struct {
	// PortBegin/PortEnd bound the listening port range tried for each
	// torrent's inbound TCP acceptor (spec.md §4.9).
	PortBegin uint16 `yaml:"port_begin"`
	PortEnd   uint16 `yaml:"port_end"`

	// DataDir is where downloaded files and part files are written.
	DataDir string `yaml:"data_dir"`

	MaxOpenFiles int `yaml:"max_open_files"`

	// Peer limits, per torrent.
	MaxPeerDial   int `yaml:"max_peer_dial"`
	MaxPeerAccept int `yaml:"max_peer_accept"`

	UnchokedPeers           int `yaml:"unchoked_peers"`
	OptimisticUnchokedPeers int `yaml:"optimistic_unchoked_peers"`

	PeerConnectTimeout   time.Duration `yaml:"peer_connect_timeout"`
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	UnchokeInterval           time.Duration `yaml:"unchoke_interval"`
	OptimisticUnchokeInterval time.Duration `yaml:"optimistic_unchoke_interval"`

	// PeerBanDuration is how long a peer's address is banned after
	// repeated piece-hash mismatches on the same piece (see
	// internal/blocklist.BanFor). A protocol violation closes the
	// connection without a ban.
	PeerBanDuration time.Duration `yaml:"peer_ban_duration"`

	// Tracker client tuning.
	TrackerHTTPTimeout   time.Duration `yaml:"tracker_http_timeout"`
	TrackerHTTPUserAgent string        `yaml:"tracker_http_user_agent"`
	TrackerStopTimeout   time.Duration `yaml:"tracker_stop_timeout"`

	// Embedded tracker (spec.md §4.6: "exists primarily for test
	// harnesses and local seeding"), off by default.
	EmbeddedTrackerEnabled  bool          `yaml:"embedded_tracker_enabled"`
	EmbeddedTrackerAddr     string        `yaml:"embedded_tracker_addr"`
	EmbeddedTrackerInterval time.Duration `yaml:"embedded_tracker_interval"`

	// DHT (BEP5/spec.md §4.7).
	DHTEnabled        bool     `yaml:"dht_enabled"`
	DHTAddress        string   `yaml:"dht_address"`
	DHTPort           int      `yaml:"dht_port"`
	DHTBootstrapNodes []string `yaml:"dht_bootstrap_nodes"`

	PEXEnabled  bool          `yaml:"pex_enabled"`
	PEXInterval time.Duration `yaml:"pex_interval"`
}

// DefaultConfig is the base LoadConfig decodes a YAML file over; any
// field the file doesn't set keeps its value from here.
var DefaultConfig = Config{
	PortBegin: 6881,
	PortEnd:   6889,

	DataDir:      defaultDataDir(),
	MaxOpenFiles: 10240,

	MaxPeerDial:   40,
	MaxPeerAccept: 40,

	UnchokedPeers:           4,
	OptimisticUnchokedPeers: 1,

	PeerConnectTimeout:   5 * time.Second,
	PeerHandshakeTimeout: 10 * time.Second,
	RequestTimeout:       20 * time.Second,

	UnchokeInterval:           10 * time.Second,
	OptimisticUnchokeInterval: 30 * time.Second,

	PeerBanDuration: 30 * time.Minute,

	TrackerHTTPTimeout:   30 * time.Second,
	TrackerHTTPUserAgent: "torrent-engine/1.0",
	TrackerStopTimeout:   5 * time.Second,

	EmbeddedTrackerInterval: 30 * time.Minute,

	DHTAddress: "0.0.0.0",
	DHTPort:    0, // 0 picks an ephemeral port

	PEXEnabled:  true,
	PEXInterval: 90 * time.Second,
}

func defaultDataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".torrent-engine"
	}
	return home + "/.torrent-engine"
}

// LoadConfig reads filename as YAML over DefaultConfig, tolerating a
// missing file (DefaultConfig alone is returned).
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename) // #nosec G304 -- caller-supplied config path
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
