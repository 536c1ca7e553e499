// Package config loads the daemon's YAML configuration file and persists
// its long-term identity secret, the two pieces of bootstrap state
// everything else in the daemon is built from.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/earendil-network/earendil-go/identity"
)

// InRouteConfig describes one obfuscated UDP listener this node accepts
// neighbor link sessions on.
type InRouteConfig struct {
	Listen string `yaml:"listen"`
	Secret string `yaml:"secret"`
}

// OutRouteConfig describes one obfuscated UDP dialer this node uses to
// reach a known neighbor.
type OutRouteConfig struct {
	Fingerprint string `yaml:"fingerprint"`
	Connect     string `yaml:"connect"`
	Cookie      string `yaml:"cookie"`
}

// HavenBindConfig is present on a HavenConfig that hosts a haven identity
// on this node, naming the rendezvous relay it registers with. When
// LocalForward is set, every client connection accepted on this haven is
// bridged to that local UDP address, one dedicated socket per connection.
type HavenBindConfig struct {
	IdentityPath     string `yaml:"identity_path"`
	RendezvousFP     string `yaml:"rendezvous_fingerprint"`
	RendezvousAddr   string `yaml:"rendezvous_connect"`
	RendezvousCookie string `yaml:"rendezvous_cookie"`
	LocalForward     string `yaml:"local_forward,omitempty"`
}

// HavenConfig names one haven this node participates in, either by
// forwarding rendezvous traffic for it (ServeRendezvous) or by hosting its
// identity (Bind). A node that sets ServeRendezvous on any entry runs a
// single rendezvous forwarder bound at RendezvousListen, usable by every
// haven that chooses this node as its relay, not only the one named here.
type HavenConfig struct {
	Name                   string           `yaml:"name"`
	ServeRendezvous        bool             `yaml:"serve_rendezvous"`
	RendezvousListen       string           `yaml:"rendezvous_listen,omitempty"`
	RendezvousListenSecret string           `yaml:"rendezvous_listen_secret,omitempty"`
	Bind                   *HavenBindConfig `yaml:"bind,omitempty"`
}

// UdpForwardConfig forwards datagrams between a local UDP port and a
// remote haven: each distinct source address on the local port gets its
// own haven connection, demultiplexed by source address.
type UdpForwardConfig struct {
	ListenAddr    string `yaml:"listen"`
	RemoteHavenFP string `yaml:"remote_haven_fingerprint"`
}

// Config is the daemon's full recognized configuration surface.
type Config struct {
	IdentityPath  string                    `yaml:"identity"`
	ControlListen string                    `yaml:"control_listen"`
	Relay         bool                      `yaml:"relay"`
	InRoutes      map[string]InRouteConfig  `yaml:"in_routes"`
	OutRoutes     map[string]OutRouteConfig `yaml:"out_routes"`
	Havens        []HavenConfig             `yaml:"havens"`
	UdpForwards   []UdpForwardConfig        `yaml:"udp_forwards"`
}

// Load parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// identityFilePerm is the only permission mode an identity file may carry:
// owner read/write, nothing else.
const identityFilePerm = 0600

// LoadOrCreateIdentity reads a hex-encoded identity secret from path,
// generating and persisting a fresh one if the file is absent. It refuses
// to read a file whose permissions are anything other than exactly 0600.
func LoadOrCreateIdentity(path string) (*identity.SecretKey, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return generateAndSaveIdentity(path)
	}
	if err != nil {
		return nil, fmt.Errorf("config: stat identity file: %w", err)
	}
	if info.Mode().Perm() != identityFilePerm {
		return nil, fmt.Errorf("config: identity file %s has permissions %o, want %o", path, info.Mode().Perm(), identityFilePerm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read identity file: %w", err)
	}
	seed, onionSecret, err := decodeIdentity(data)
	if err != nil {
		return nil, fmt.Errorf("config: decode identity file: %w", err)
	}
	return identity.FromSeed(seed, onionSecret), nil
}

func generateAndSaveIdentity(path string) (*identity.SecretKey, error) {
	sk, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("config: generate identity: %w", err)
	}
	seed := sk.Seed()
	onionSecret := sk.OnionSecret()
	encoded := encodeIdentity(seed, onionSecret)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("config: create identity directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, identityFilePerm); err != nil {
		return nil, fmt.Errorf("config: write identity file: %w", err)
	}
	if err := os.Chmod(path, identityFilePerm); err != nil {
		return nil, fmt.Errorf("config: chmod identity file: %w", err)
	}
	return sk, nil
}

// encodeIdentity lays out the 32-byte ed25519 seed followed by the 32-byte
// onion secret, hex-encoded, newline-terminated.
func encodeIdentity(seed, onionSecret [32]byte) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, seed[:]...)
	buf = append(buf, onionSecret[:]...)
	return []byte(hex.EncodeToString(buf) + "\n")
}

func decodeIdentity(data []byte) (seed, onionSecret [32]byte, err error) {
	raw, err := hex.DecodeString(trimNewline(data))
	if err != nil {
		return seed, onionSecret, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 64 {
		return seed, onionSecret, fmt.Errorf("want 64 decoded bytes, got %d", len(raw))
	}
	copy(seed[:], raw[:32])
	copy(onionSecret[:], raw[32:])
	return seed, onionSecret, nil
}

func trimNewline(data []byte) string {
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
