/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/yac/sign"
	"github.com/gitzhang10/yac/types"
)

var (
	// ErrMissingPeerKey is returned when a peer has no public key in the config.
	ErrMissingPeerKey = errors.New("peer has no public key")
	// ErrMissingPeerAddress is returned when a peer has no ip or port in the config.
	ErrMissingPeerAddress = errors.New("peer has no address")
)

// Config defines a type to describe the configuration.
type Config struct {
	Name         string
	MaxPool      int
	ClusterAddr  map[string]string // map from name to address
	ClusterPort  map[string]int    // map from name to port
	PublicKeyMap map[string]ed25519.PublicKey
	PrivateKey   ed25519.PrivateKey
	TsPublicKey  *share.PubPoly
	TsPrivateKey *share.PriShare
	LogLevel     int
	IsFaulty     bool

	VoteTimeout          time.Duration
	FetchTimeout         time.Duration
	SyncBackoffBase      time.Duration
	SyncBackoffMax       time.Duration
	MaxBlocksPerResponse int
	DecidedCacheSize     int
	StorageBackend       string
	StoragePath          string
	MetricsAddr          string
}

const (
	defaultVoteTimeout          = 3 * time.Second
	defaultFetchTimeout         = 2 * time.Second
	defaultSyncBackoffBase      = 100 * time.Millisecond
	defaultSyncBackoffMax       = 5 * time.Second
	defaultMaxBlocksPerResponse = 64
	defaultDecidedCacheSize     = 128
)

// New creates a new variable of type Config for test. Timeouts and limits get
// their defaults and can be overridden on the result.
func New(name string, maxPool int, clusterAddr map[string]string, clusterPort map[string]int,
	publicKeyMap map[string]ed25519.PublicKey, privateKey ed25519.PrivateKey, tsPublicKey *share.PubPoly,
	tsPrivateKey *share.PriShare, logLevel int) *Config {
	return &Config{
		Name:                 name,
		MaxPool:              maxPool,
		ClusterAddr:          clusterAddr,
		ClusterPort:          clusterPort,
		PublicKeyMap:         publicKeyMap,
		PrivateKey:           privateKey,
		TsPublicKey:          tsPublicKey,
		TsPrivateKey:         tsPrivateKey,
		LogLevel:             logLevel,
		VoteTimeout:          defaultVoteTimeout,
		FetchTimeout:         defaultFetchTimeout,
		SyncBackoffBase:      defaultSyncBackoffBase,
		SyncBackoffMax:       defaultSyncBackoffMax,
		MaxBlocksPerResponse: defaultMaxBlocksPerResponse,
		DecidedCacheSize:     defaultDecidedCacheSize,
		StorageBackend:       "memory",
	}
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	return load(configPrefix, configName, "./")
}

func load(configPrefix, configName, configPath string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath(configPath)

	viperConfig.SetDefault("vote_timeout", defaultVoteTimeout)
	viperConfig.SetDefault("fetch_timeout", defaultFetchTimeout)
	viperConfig.SetDefault("sync_backoff_base", defaultSyncBackoffBase)
	viperConfig.SetDefault("sync_backoff_max", defaultSyncBackoffMax)
	viperConfig.SetDefault("max_blocks_per_response", defaultMaxBlocksPerResponse)
	viperConfig.SetDefault("decided_cache_size", defaultDecidedCacheSize)
	viperConfig.SetDefault("storage_backend", "memory")

	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyEDAsString := viperConfig.GetString("privkeyed")
	privKeyED, err := hex.DecodeString(privKeyEDAsString)
	if err != nil {
		return nil, fmt.Errorf("decode privkeyed: %w", err)
	}

	tsPubKeyAsString := viperConfig.GetString("tspubkey")
	tsPubKeyAsBytes, err := hex.DecodeString(tsPubKeyAsString)
	if err != nil {
		return nil, fmt.Errorf("decode tspubkey: %w", err)
	}
	tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
	if err != nil {
		return nil, fmt.Errorf("decode tspubkey: %w", err)
	}

	tsShareAsString := viperConfig.GetString("tsshare")
	tsShareAsBytes, err := hex.DecodeString(tsShareAsString)
	if err != nil {
		return nil, fmt.Errorf("decode tsshare: %w", err)
	}
	tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
	if err != nil {
		return nil, fmt.Errorf("decode tsshare: %w", err)
	}

	conf := &Config{
		Name:                 viperConfig.GetString("name"),
		MaxPool:              viperConfig.GetInt("max_pool"),
		PrivateKey:           privKeyED,
		TsPublicKey:          tsPubKey,
		TsPrivateKey:         tsShareKey,
		LogLevel:             viperConfig.GetInt("log_level"),
		IsFaulty:             viperConfig.GetBool("is_faulty"),
		VoteTimeout:          viperConfig.GetDuration("vote_timeout"),
		FetchTimeout:         viperConfig.GetDuration("fetch_timeout"),
		SyncBackoffBase:      viperConfig.GetDuration("sync_backoff_base"),
		SyncBackoffMax:       viperConfig.GetDuration("sync_backoff_max"),
		MaxBlocksPerResponse: viperConfig.GetInt("max_blocks_per_response"),
		DecidedCacheSize:     viperConfig.GetInt("decided_cache_size"),
		StorageBackend:       viperConfig.GetString("storage_backend"),
		StoragePath:          viperConfig.GetString("storage_path"),
		MetricsAddr:          viperConfig.GetString("metrics_addr"),
	}

	peersP2PPortMap := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMap := viperConfig.GetStringMapString("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMapString("cluster_pubkeyed")
	pubKeyMap := make(map[string]ed25519.PublicKey, len(pubKeyMapString))
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	for name, pkAsString := range pubKeyMapString {
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, fmt.Errorf("public key of %s cannot be decoded: %w", name, err)
		}
		pubKeyMap[name] = pubKey
		ip, ok := peersIPsMap[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingPeerAddress, name)
		}
		port, err := toPort(peersP2PPortMap[name])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMissingPeerAddress, name, err)
		}
		clusterAddr[name] = ip
		clusterPort[name] = port
	}

	conf.PublicKeyMap = pubKeyMap
	conf.ClusterPort = clusterPort
	conf.ClusterAddr = clusterAddr
	return conf, nil
}

// viper yields ints from yaml but strings from the environment.
func toPort(v interface{}) (int, error) {
	switch p := v.(type) {
	case int:
		return p, nil
	case string:
		return strconv.Atoi(p)
	case nil:
		return 0, errors.New("port missing")
	}
	return 0, fmt.Errorf("unexpected port value %v", v)
}

// AddrWithPort returns the p2p address of the named peer.
func (c *Config) AddrWithPort(name string) string {
	return c.ClusterAddr[name] + ":" + strconv.Itoa(c.ClusterPort[name])
}

// PeerNames lists the cluster ordered by node id, the numeric suffix of names
// such as "node3". Names without a numeric suffix sort after, by name.
func (c *Config) PeerNames() []string {
	names := make([]string, 0, len(c.PublicKeyMap))
	for name := range c.PublicKeyMap {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, aok := nodeID(names[i])
		b, bok := nodeID(names[j])
		switch {
		case aok && bok && a != b:
			return a < b
		case aok != bok:
			return aok
		}
		return names[i] < names[j]
	})
	return names
}

func nodeID(name string) (int, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, false
	}
	id, err := strconv.Atoi(name[i:])
	return id, err == nil
}

// PeerSet builds the ordered peer set. The position of a peer is its threshold
// share index, so config_gen hands share i to the peer with node id i.
func (c *Config) PeerSet() (*types.PeerSet, error) {
	var peers []types.Peer
	for _, name := range c.PeerNames() {
		key := c.PublicKeyMap[name]
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: %s", ErrMissingPeerKey, name)
		}
		if _, ok := c.ClusterAddr[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingPeerAddress, name)
		}
		peers = append(peers, types.Peer{Name: name, Address: c.AddrWithPort(name), PublicKey: key})
	}
	return types.NewPeerSet(peers)
}
