package engine

import (
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"

	dskitflagext "github.com/grafana/dskit/flagext"

	"github.com/grafana/execgraph/pkg/engine/cluster"
	"github.com/grafana/execgraph/pkg/engine/internal/allocator"
	"github.com/grafana/execgraph/pkg/engine/internal/cache"
	"github.com/grafana/execgraph/pkg/engine/internal/kernel"
	"github.com/grafana/execgraph/pkg/engine/transport"
	"github.com/grafana/execgraph/pkg/util/flagext"
)

// Config configures query execution.
type Config struct {
	// BatchSize is the number of rows of batches produced by sources.
	BatchSize int `yaml:"batch_size"`

	// CacheCapacity is the number of batches buffered by a cache created
	// without an explicit capacity.
	CacheCapacity int `yaml:"cache_capacity"`

	// MemoryLimit bounds the bytes buffered by the caches of one query.
	// Zero disables the limit.
	MemoryLimit          flagext.ByteSize `yaml:"memory_limit"`
	ConsumptionThreshold float64          `yaml:"consumption_threshold"`

	// MaxSourceTasks and MaxOtherTasks bound the number of kernels running
	// at once across the queries of an Engine. Zero means unbounded. A query
	// starts once all of its kernels fit. A query with more kernels of a
	// class than the limit fails with ErrResourceExhausted.
	MaxSourceTasks int `yaml:"max_source_tasks"`
	MaxOtherTasks  int `yaml:"max_other_tasks"`

	// Nodes lists every node of the cluster in partition order. An empty
	// list runs queries on LocalNode alone.
	Nodes     dskitflagext.StringSliceCSV `yaml:"nodes"`
	LocalNode string                      `yaml:"local_node"`

	Transport transport.HTTPConfig `yaml:"transport"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("execgraph.", f)
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BatchSize, prefix+"batch-size", kernel.DefaultBatchSize, "Number of rows per batch produced by source kernels.")
	f.IntVar(&cfg.CacheCapacity, prefix+"cache-capacity", cache.DefaultCapacity, "Number of batches buffered by a cache without an explicit capacity.")
	f.Var(&cfg.MemoryLimit, prefix+"memory-limit", "Maximum bytes buffered by the caches of a single query. 0 to disable.")
	f.Float64Var(&cfg.ConsumptionThreshold, prefix+"consumption-threshold", allocator.DefaultConsumptionThreshold, "Fraction of the memory limit which may be reserved before buffering fails.")
	f.IntVar(&cfg.MaxSourceTasks, prefix+"max-source-tasks", 0, "Maximum number of source kernels running at once across queries. Queries wait until all of their kernels fit. 0 for no limit.")
	f.IntVar(&cfg.MaxOtherTasks, prefix+"max-other-tasks", 0, "Maximum number of non-source kernels running at once across queries. Queries wait until all of their kernels fit. 0 for no limit.")
	f.Var(&cfg.Nodes, prefix+"nodes", "Comma-separated host:port[/device] addresses of every node, in partition order.")
	f.StringVar(&cfg.LocalNode, prefix+"local-node", "localhost:9095", "Address of this node, as listed in -"+prefix+"nodes.")

	cfg.Transport.RegisterFlagsWithPrefix(prefix+"transport.", f)
}

// Validate validates the config.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be greater than 0, got %d", cfg.BatchSize))
	}
	if cfg.CacheCapacity < 0 {
		errs = append(errs, fmt.Errorf("cache capacity must not be negative, got %d", cfg.CacheCapacity))
	}
	if cfg.ConsumptionThreshold < 0 || cfg.ConsumptionThreshold > 1 {
		errs = append(errs, fmt.Errorf("consumption threshold must be within [0, 1], got %v", cfg.ConsumptionThreshold))
	}
	if cfg.MaxSourceTasks < 0 || cfg.MaxOtherTasks < 0 {
		errs = append(errs, errors.New("task limits must not be negative"))
	}
	if _, err := cfg.members(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Transport.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	return errors.Join(errs...)
}

// Local returns the node running locally.
func (cfg *Config) Local() (cluster.Node, error) {
	return cluster.ParseNode(cfg.LocalNode)
}

func (cfg *Config) members() ([]cluster.Node, error) {
	local, err := cfg.Local()
	if err != nil {
		return nil, fmt.Errorf("local node: %w", err)
	}
	if len(cfg.Nodes) == 0 {
		return []cluster.Node{local}, nil
	}

	nodes := make([]cluster.Node, 0, len(cfg.Nodes))
	for _, s := range cfg.Nodes {
		n, err := cluster.ParseNode(s)
		if err != nil {
			return nil, fmt.Errorf("nodes: %w", err)
		}
		nodes = append(nodes, n)
	}
	if _, err := cluster.NewContext(0, nodes, local, ""); err != nil {
		return nil, err
	}
	return nodes, nil
}

// QueryContext returns the query context of a query identified by token. A
// zero token is replaced by a random one; nodes of a cluster must agree on
// the token of a query, so distributed callers always pass one.
func (cfg *Config) QueryContext(token uint32, namespace string) (*cluster.Context, error) {
	nodes, err := cfg.members()
	if err != nil {
		return nil, err
	}
	local, err := cfg.Local()
	if err != nil {
		return nil, err
	}
	if token == 0 {
		token = rand.Uint32() | 1
	}
	return cluster.NewContext(token, nodes, local, namespace)
}
