/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node.
The generated configuration file particularly contains the public/private keys for TS and ED25519.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gitzhang10/yac/sign"
)

func judgeWhetherInSlice(i int, b []int) bool {
	for _, v := range b {
		if i == v {
			return true
		}
	}
	return false
}

func generateRandomNumber(nodeNum int, faultyNum int) []int {
	var nums []int
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for len(nums) < faultyNum && len(nums) < nodeNum {
		num := r.Intn(nodeNum)
		// discard duplicates
		if !judgeWhetherInSlice(num, nums) {
			nums = append(nums, num)
		}
	}
	return nums
}

// nodeIndex parses the id of names such as "node3".
func nodeIndex(name string) int {
	id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
	if err != nil {
		panic(fmt.Sprintf("node name %q has no numeric id", name))
	}
	return id
}

// passthrough keys are copied from the template to every node unchanged.
var passthrough = []string{
	"max_pool", "log_level", "vote_timeout", "fetch_timeout", "sync_backoff_base",
	"sync_backoff_max", "max_blocks_per_response", "decided_cache_size", "storage_backend",
}

func main() {
	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// deal with cluster as a string map
	clusterMap := viperRead.GetStringMapString("IPs")
	nodeNumber := len(clusterMap)
	clusterName := make([]string, 0, nodeNumber)
	for name := range clusterMap {
		clusterName = append(clusterName, name)
	}
	sort.Slice(clusterName, func(i, j int) bool { return nodeIndex(clusterName[i]) < nodeIndex(clusterName[j]) })
	for i, name := range clusterName {
		if nodeIndex(name) != i {
			panic("node ids must be 0..n-1 without gaps")
		}
	}

	// deal with p2p_listen_port as a string map
	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		panic("p2p_listen_port does not match with cluster")
	}
	p2pPortMap := make(map[string]int, nodeNumber)
	for name := range clusterMap {
		portAsInterface, ok := p2pPortMapInterface[name]
		if !ok {
			panic("p2p_listen_port does not match with cluster")
		}
		portAsInt, ok := portAsInterface.(int)
		if !ok {
			panic("p2p_listen_port contains a non-int value")
		}
		p2pPortMap[name] = portAsInt
	}

	// create the ED25519 keys
	privKeysED25519 := make(map[string]string, nodeNumber)
	pubKeysED25519 := make(map[string]string, nodeNumber)
	for _, name := range clusterName {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
	}

	// create the threshold signature keys: any quorum of N-f shares recovers a certificate
	numT := nodeNumber - (nodeNumber-1)/3
	shares, pubPoly := sign.GenTSKeys(numT, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic("fail encode the TSPublicKey")
	}

	faultyNum := viperRead.GetInt("faulty_number")
	faultyNode := generateRandomNumber(nodeNumber, faultyNum)
	fmt.Println("FaultyNodes:", faultyNode)

	storagePath := viperRead.GetString("storage_path")

	// write to configure files
	for replicaId, name := range clusterName {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s.yaml", name))
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[replicaId])
		if err != nil {
			panic("fail encode the share")
		}

		viperWrite.Set("name", name)
		viperWrite.Set("peers_p2p_port", p2pPortMap)
		viperWrite.Set("cluster_ips", clusterMap)
		viperWrite.Set("PrivKeyED", privKeysED25519[name])
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("TSShare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("TSPubKey", hex.EncodeToString(tsPubKeyAsBytes))
		for _, key := range passthrough {
			if viperRead.IsSet(key) {
				viperWrite.Set(key, viperRead.Get(key))
			}
		}
		if storagePath != "" {
			viperWrite.Set("storage_path", fmt.Sprintf("%s/%s", storagePath, name))
		}
		if port := viperRead.GetInt("metrics_port"); port != 0 {
			viperWrite.Set("metrics_addr", fmt.Sprintf(":%d", port+replicaId))
		}
		viperWrite.Set("is_faulty", judgeWhetherInSlice(replicaId, faultyNode))

		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
}
