package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/seaweedfs/placement/internal/clusterview"
)

// NodeSpec is one node's entry in a cluster topology file, the
// standalone/test-run way to describe an initial configuration without
// a live membership service.
//
//	config_version = 1
//	[[nodes]]
//	index = 1
//	location = ["us", "dc1", "c1", "row1", "rack1"]
//	storage_state = "read-write"
//	storage_weight = 100
//	shards = 2
type NodeSpec struct {
	Index              uint16   `mapstructure:"index"`
	Generation         uint64   `mapstructure:"generation"`
	Location           []string `mapstructure:"location"`
	StorageState       string   `mapstructure:"storage_state"`
	StorageWeight      int64    `mapstructure:"storage_weight"`
	Shards             int      `mapstructure:"shards"`
	ExcludeFromNodeset bool     `mapstructure:"exclude_from_nodesets"`
}

func parseStorageState(s string) (clusterview.StorageState, error) {
	switch s {
	case "", "read-write":
		return clusterview.StorageReadWrite, nil
	case "read-only":
		return clusterview.StorageReadOnly, nil
	case "none":
		return clusterview.StorageNone, nil
	case "disabled":
		return clusterview.StorageDisabled, nil
	default:
		return 0, fmt.Errorf("config: unknown storage_state %q", s)
	}
}

// LoadClusterView reads a topology file (without extension, searched
// the same way Load searches) and builds the cluster view it
// describes.
func LoadClusterView(appName, fileName string) (*clusterview.View, error) {
	v := viper.New()
	v.SetConfigName(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/." + appName)
	v.AddConfigPath("/etc/" + appName + "/")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", fileName, err)
	}
	return ClusterViewFromViper(v)
}

// ClusterViewFromViper builds a cluster view from an already-loaded
// viper instance, split out so tests can feed topology from a string.
func ClusterViewFromViper(v *viper.Viper) (*clusterview.View, error) {
	var specs []NodeSpec
	if err := v.UnmarshalKey("nodes", &specs); err != nil {
		return nil, fmt.Errorf("config: nodes: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("config: topology declares no nodes")
	}

	nodes := make([]clusterview.Node, 0, len(specs))
	var shards []clusterview.Shard
	for _, spec := range specs {
		state, err := parseStorageState(spec.StorageState)
		if err != nil {
			return nil, fmt.Errorf("config: node %d: %w", spec.Index, err)
		}
		numShards := spec.Shards
		if numShards <= 0 {
			numShards = 1
		}
		weight := spec.StorageWeight
		if weight <= 0 {
			weight = 1
		}
		nodes = append(nodes, clusterview.Node{
			Index:               clusterview.NodeIndex(spec.Index),
			Generation:          spec.Generation,
			StorageState:        state,
			ShardCount:          numShards,
			Location:            clusterview.LocationPath(spec.Location),
			StorageWeight:       weight,
			ExcludeFromNodesets: spec.ExcludeFromNodeset,
		})
		for i := 0; i < numShards; i++ {
			shards = append(shards, clusterview.Shard{
				ID:     clusterview.ShardID{NodeIndex: clusterview.NodeIndex(spec.Index), ShardIndex: clusterview.ShardIndex(i)},
				Weight: weight / int64(numShards),
			})
		}
	}
	return clusterview.Build(v.GetUint64("config_version"), nodes, shards), nil
}
