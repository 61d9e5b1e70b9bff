package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ganeti-go/ganeti/pkg/types"
)

// writeSsconf regenerates the flat ssconf/* file cache for scripts
// that cannot parse the full config.data JSON. It is only ever called after persist() has
// succeeded — a reader must never see ssconf reflect a config.data that
// didn't make it to disk.
func writeSsconf(dataDir string, data *types.ConfigData) error {
	dir := filepath.Join(dataDir, "ssconf")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	clusterName := ""
	masterNode := ""
	if data.Cluster != nil {
		clusterName = data.Cluster.ClusterName
		masterNode = data.Cluster.MasterNode
	}

	files := map[string]string{
		"cluster_name": clusterName,
		"master_node":  masterNode,
		"node_list":    strings.Join(sortedNodeNames(data), "\n"),
		"master_candidates": strings.Join(masterCandidateNames(data), "\n"),
		"instance_list":     strings.Join(sortedInstanceNames(data), "\n"),
	}

	for name, content := range files {
		if err := writeSsconfFile(dir, name, content); err != nil {
			return err
		}
	}
	return nil
}

func writeSsconfFile(dir, name, content string) error {
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func sortedNodeNames(data *types.ConfigData) []string {
	names := make([]string, 0, len(data.Nodes))
	for n := range data.Nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func masterCandidateNames(data *types.ConfigData) []string {
	var names []string
	for n, node := range data.Nodes {
		if node.Role == types.NodeRoleMasterCandidate || node.Role == types.NodeRoleMaster {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func sortedInstanceNames(data *types.ConfigData) []string {
	names := make([]string, 0, len(data.Instances))
	for n := range data.Instances {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReadSsconfKey reads a single ssconf value, for tools that don't want
// to parse the full config.
func ReadSsconfKey(dataDir, key string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, "ssconf", key))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(raw), "\n"), nil
}
