package config

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Defaults for NodeSettings.
const (
	DefaultRPCUsername       = "monero"
	DefaultP2PPort           = 18080
	DefaultRPCPort           = 18081
	DefaultRestrictedRPCPort = 18089
	DefaultPeers             = 32
	DefaultRateLimit         = 1048576
	DefaultDBSyncMode        = "fast:async:1000000"

	passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"
	passwordLength   = 16
)

// NodeSettings are the user-editable node preferences.
type NodeSettings struct {
	UseExternalStorage bool   `yaml:"use-external-storage" json:"use_external_storage"`
	PruneBlockchain    bool   `yaml:"prune-blockchain" json:"prune_blockchain"`
	StartOnBoot        bool   `yaml:"start-on-boot" json:"start_on_boot"`
	CustomFlags        string `yaml:"custom-flags" json:"custom_flags"`

	RPCUsername string `yaml:"rpc-username" json:"rpc_username"`
	RPCPassword string `yaml:"rpc-password" json:"-"`

	P2PPort           int `yaml:"p2p-port" json:"p2p_port"`
	RPCPort           int `yaml:"rpc-port" json:"rpc_port"`
	RestrictedRPCPort int `yaml:"restricted-rpc-port" json:"restricted_rpc_port"`
	OutPeers          int `yaml:"out-peers" json:"out_peers"`
	InPeers           int `yaml:"in-peers" json:"in_peers"`
	LimitRateUp       int `yaml:"limit-rate-up" json:"limit_rate_up"`
	LimitRateDown     int `yaml:"limit-rate-down" json:"limit_rate_down"`

	DBSyncMode            string `yaml:"db-sync-mode" json:"db_sync_mode"`
	NoZMQ                 bool   `yaml:"no-zmq" json:"no_zmq"`
	NoIGD                 bool   `yaml:"no-igd" json:"no_igd"`
	EnableDNSBlocklist    bool   `yaml:"enable-dns-blocklist" json:"enable_dns_blocklist"`
	DisableDNSCheckpoints bool   `yaml:"disable-dns-checkpoints" json:"disable_dns_checkpoints"`
}

// DefaultNodeSettings returns the factory defaults. The password is left empty;
// EnsureCredentials fills it on first use.
func DefaultNodeSettings() NodeSettings {
	return NodeSettings{
		PruneBlockchain:       true,
		RPCUsername:           DefaultRPCUsername,
		P2PPort:               DefaultP2PPort,
		RPCPort:               DefaultRPCPort,
		RestrictedRPCPort:     DefaultRestrictedRPCPort,
		OutPeers:              DefaultPeers,
		InPeers:               DefaultPeers,
		LimitRateUp:           DefaultRateLimit,
		LimitRateDown:         DefaultRateLimit,
		DBSyncMode:            DefaultDBSyncMode,
		NoZMQ:                 true,
		NoIGD:                 true,
		EnableDNSBlocklist:    true,
		DisableDNSCheckpoints: true,
	}
}

// SettingsProvider is the persisted settings store consumed by the supervisor.
type SettingsProvider interface {
	Load() (NodeSettings, error)
	Save(NodeSettings) error
}

// UpdateSettings loads, mutates and saves settings in one step.
func UpdateSettings(p SettingsProvider, fn func(*NodeSettings)) (NodeSettings, error) {
	s, err := p.Load()
	if err != nil {
		return NodeSettings{}, err
	}
	fn(&s)
	if err := p.Save(s); err != nil {
		return NodeSettings{}, err
	}
	return s, nil
}

// EnsureCredentials returns settings with a username and password, generating
// and persisting a password the first time.
func EnsureCredentials(p SettingsProvider) (NodeSettings, error) {
	s, err := p.Load()
	if err != nil {
		return NodeSettings{}, err
	}
	if s.RPCPassword != "" && s.RPCUsername != "" {
		return s, nil
	}
	if s.RPCUsername == "" {
		s.RPCUsername = DefaultRPCUsername
	}
	if s.RPCPassword == "" {
		pw, err := GeneratePassword()
		if err != nil {
			return NodeSettings{}, err
		}
		s.RPCPassword = pw
	}
	if err := p.Save(s); err != nil {
		return NodeSettings{}, err
	}
	return s, nil
}

// GeneratePassword returns a 16 character password drawn from an alphabet
// without visually ambiguous characters.
func GeneratePassword() (string, error) {
	max := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, passwordLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}

// FileSettings is a SettingsProvider backed by a YAML file.
type FileSettings struct {
	path string
	mu   sync.Mutex
}

// NewFileSettings returns a provider reading and writing path.
func NewFileSettings(path string) *FileSettings {
	return &FileSettings{path: path}
}

// Path returns the backing file.
func (f *FileSettings) Path() string { return f.path }

// Load returns the stored settings layered over the defaults.
// A missing file yields the defaults.
func (f *FileSettings) Load() (NodeSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := DefaultNodeSettings()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return NodeSettings{}, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return NodeSettings{}, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// Save writes settings atomically with owner-only permissions.
func (f *FileSettings) Save(s NodeSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return writeFileAtomic(f.path, data, 0o600)
}

// Watch calls onChange with freshly loaded settings whenever the file is
// written or replaced, until ctx is cancelled. Changes apply on the next daemon start.
func (f *FileSettings) Watch(ctx context.Context, onChange func(NodeSettings)) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	// Watch the directory so atomic renames over the file are observed.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch settings dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(f.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s, err := f.Load()
				if err != nil {
					log.WithError(err).Warn("settings changed but could not be reloaded")
					continue
				}
				log.Debug("settings file changed")
				onChange(s)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("settings watcher error")
			}
		}
	}()
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
