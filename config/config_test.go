package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/yac/sign"
)

// writeConfig writes a node config the way config_gen does and returns its directory.
func writeConfig(t *testing.T, n int, extra string) string {
	t.Helper()
	shares, pubPoly := sign.GenTSKeys(n-(n-1)/3, n)
	tsPub, err := sign.EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)
	tsShare, err := sign.EncodeTSPartialKey(shares[0])
	require.NoError(t, err)

	var ips, ports, keys, priv string
	for i := n - 1; i >= 0; i-- {
		sk, pk := sign.GenED25519Keys()
		if i == 0 {
			priv = hex.EncodeToString(sk)
		}
		ips += fmt.Sprintf("  node%d: 127.0.0.1\n", i)
		ports += fmt.Sprintf("  node%d: %d\n", i, 9000+i)
		keys += fmt.Sprintf("  node%d: %s\n", i, hex.EncodeToString(pk))
	}
	body := fmt.Sprintf(`name: node0
max_pool: 4
log_level: 3
is_faulty: false
privkeyed: %s
tspubkey: %s
tsshare: %s
cluster_ips:
%speers_p2p_port:
%scluster_pubkeyed:
%s%s`, priv, hex.EncodeToString(tsPub), hex.EncodeToString(tsShare), ips, ports, keys, extra)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node0.yaml"), []byte(body), 0o600))
	return dir
}

func TestConfigRead(t *testing.T) {
	dir := writeConfig(t, 4, "vote_timeout: 750ms\nstorage_backend: pebble\nstorage_path: /tmp/yac\nmetrics_addr: 127.0.0.1:9100\n")

	conf, err := load("YACTEST", "node0", dir)
	require.NoError(t, err)

	require.Equal(t, "node0", conf.Name)
	require.Equal(t, 4, conf.MaxPool)
	require.Equal(t, 3, conf.LogLevel)
	require.False(t, conf.IsFaulty)
	require.Len(t, conf.PublicKeyMap, 4)
	require.Equal(t, "127.0.0.1:9002", conf.AddrWithPort("node2"))
	require.NotNil(t, conf.TsPublicKey)
	require.Equal(t, 0, conf.TsPrivateKey.I)

	require.Equal(t, 750*time.Millisecond, conf.VoteTimeout)
	require.Equal(t, defaultFetchTimeout, conf.FetchTimeout)
	require.Equal(t, defaultSyncBackoffBase, conf.SyncBackoffBase)
	require.Equal(t, defaultSyncBackoffMax, conf.SyncBackoffMax)
	require.Equal(t, defaultMaxBlocksPerResponse, conf.MaxBlocksPerResponse)
	require.Equal(t, defaultDecidedCacheSize, conf.DecidedCacheSize)
	require.Equal(t, "pebble", conf.StorageBackend)
	require.Equal(t, "/tmp/yac", conf.StoragePath)
	require.Equal(t, "127.0.0.1:9100", conf.MetricsAddr)
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := writeConfig(t, 4, "")
	t.Setenv("YACENV_FETCH_TIMEOUT", "5s")
	t.Setenv("YACENV_STORAGE_BACKEND", "sqlite")

	conf, err := load("YACENV", "node0", dir)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, conf.FetchTimeout)
	require.Equal(t, "sqlite", conf.StorageBackend)
}

func TestPeerSetOrder(t *testing.T) {
	dir := writeConfig(t, 11, "")
	conf, err := load("YACTEST", "node0", dir)
	require.NoError(t, err)

	names := conf.PeerNames()
	require.Equal(t, "node0", names[0])
	require.Equal(t, "node2", names[2])
	require.Equal(t, "node10", names[10])

	peers, err := conf.PeerSet()
	require.NoError(t, err)
	require.Equal(t, 11, peers.Size())
	require.Equal(t, 8, peers.Quorum())
	for i, p := range peers.Peers() {
		require.Equal(t, fmt.Sprintf("node%d", i), p.Name)
		require.Equal(t, i, peers.Index(p.PublicKey))
		require.Equal(t, conf.AddrWithPort(p.Name), p.Address)
	}
}

func TestPeerSetNeedsAddresses(t *testing.T) {
	_, pk := sign.GenED25519Keys()
	conf := New("node0", 1, map[string]string{}, map[string]int{}, nil, nil, nil, nil, 3)
	conf.PublicKeyMap = map[string]ed25519.PublicKey{"node0": pk}
	_, err := conf.PeerSet()
	require.ErrorIs(t, err, ErrMissingPeerAddress)

	conf.ClusterAddr["node0"] = "127.0.0.1"
	conf.PublicKeyMap["node0"] = pk[:4]
	_, err = conf.PeerSet()
	require.ErrorIs(t, err, ErrMissingPeerKey)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := load("YACTEST", "absent", t.TempDir())
	require.Error(t, err)
}
