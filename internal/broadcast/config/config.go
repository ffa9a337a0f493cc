package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	promclient "github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/models"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/sequencer"
)

// Duration is a time.Duration that can be decoded from a TOML string such as
// "30s".
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	td, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(td)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Logging configures the process loggers.
type Logging struct {
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}

// Sentry configures panic reporting.
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty"`
	Environment string `toml:"sentry_environment,omitempty"`
}

// Prometheus configures the exported metrics.
type Prometheus struct {
	// GRPCLatencyBuckets are the histogram buckets of both the gRPC server
	// latency and the dispatch latency.
	GRPCLatencyBuckets []float64 `toml:"grpc_latency_buckets,omitempty"`
}

// Branch describes the data range the broadcaster is primary for.
type Branch struct {
	// ID is the branch's UUID. A new one is generated if it is empty.
	ID               string `toml:"id,omitempty"`
	RegionStart      string `toml:"region_start,omitempty"`
	RegionEnd        string `toml:"region_end,omitempty"`
	InitialTimestamp uint64 `toml:"initial_timestamp,omitempty"`
}

// Dispatch tunes how writes are fanned out to replicas.
type Dispatch struct {
	// Workers is the number of goroutines serving a single replica's queue.
	// A replica applies one write at a time in timestamp order, so extra
	// workers only overlap dequeueing and acknowledgement bookkeeping with
	// the write being applied.
	Workers int `toml:"workers,omitempty"`
	// QueueCapacity bounds the writes queued for a single replica. A replica
	// whose queue is full gets detached.
	QueueCapacity int `toml:"queue_capacity,omitempty" split_words:"true"`
	// DefaultPriority is the priority of replicas attached without one.
	DefaultPriority int `toml:"default_priority,omitempty" split_words:"true"`
	// Durability is applied to writes which don't ask for one.
	Durability models.Durability `toml:"durability,omitempty"`
}

// DefaultDispatchConfig returns the default dispatch tuning.
func DefaultDispatchConfig() Dispatch {
	return Dispatch{
		Workers:       4,
		QueueCapacity: 1024,
		Durability:    models.DurabilityHard,
	}
}

// Validate returns an error if the dispatch tuning can't be used.
func (d Dispatch) Validate() error {
	if d.Workers < 1 {
		return fmt.Errorf("dispatch workers was %d but must be >=1", d.Workers)
	}

	if d.QueueCapacity < 1 {
		return fmt.Errorf("dispatch queue capacity was %d but must be >=1", d.QueueCapacity)
	}

	return d.Durability.Validate()
}

// Replica describes an in-memory replica the demo binary attaches.
type Replica struct {
	Name     string `toml:"name,omitempty"`
	Priority int    `toml:"priority,omitempty"`
	Readable bool   `toml:"readable,omitempty"`
}

// Config is a container for everything found in the TOML config file
type Config struct {
	ListenAddr           string     `toml:"listen_addr,omitempty"`
	PrometheusListenAddr string     `toml:"prometheus_listen_addr,omitempty"`
	GracefulStopTimeout  Duration   `toml:"graceful_stop_timeout,omitempty"`
	Logging              Logging    `toml:"logging,omitempty"`
	Sentry               Sentry     `toml:"sentry,omitempty"`
	Prometheus           Prometheus `toml:"prometheus,omitempty"`
	Branch               Branch     `toml:"branch,omitempty"`
	Dispatch             Dispatch   `toml:"dispatch,omitempty"`
	Replicas             []Replica  `toml:"replica,omitempty"`
}

// FromFile loads the config for the passed file path. Dispatch tuning from the
// environment takes precedence over the file.
func FromFile(filePath string) (Config, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	conf := &Config{
		Prometheus: Prometheus{GRPCLatencyBuckets: promclient.DefBuckets},
		Dispatch:   DefaultDispatchConfig(),
	}
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, err
	}

	if err := DispatchFromEnv(&conf.Dispatch); err != nil {
		return Config{}, err
	}

	conf.setDefaults()

	return *conf, nil
}

// DispatchFromEnv overrides dispatch tuning with BROADCASTER_DISPATCH_*
// environment variables.
func DispatchFromEnv(d *Dispatch) error {
	if err := envconfig.Process("broadcaster_dispatch", d); err != nil {
		return fmt.Errorf("envconfig: %w", err)
	}

	return nil
}

var (
	errNoListener          = errors.New("no listen address configured")
	errReplicaUnnamed      = errors.New("replicas must have a name")
	errReplicasNotUnique   = errors.New("replicas must have unique names")
	errRegionOutOfOrder    = errors.New("region start must sort before region end")
	errInvalidBranchID     = errors.New("invalid branch id")
	errNegativeGracefulEnd = errors.New("graceful stop timeout must not be negative")
)

// Validate establishes if the config is valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errNoListener
	}

	if c.GracefulStopTimeout < 0 {
		return errNegativeGracefulEnd
	}

	if err := c.Dispatch.Validate(); err != nil {
		return err
	}

	if c.Branch.ID != "" {
		if _, err := models.ParseBranchID(c.Branch.ID); err != nil {
			return fmt.Errorf("%w: %v", errInvalidBranchID, err)
		}
	}

	if c.Branch.RegionStart != "" && c.Branch.RegionEnd != "" && c.Branch.RegionStart >= c.Branch.RegionEnd {
		return errRegionOutOfOrder
	}

	names := make(map[string]struct{}, len(c.Replicas))
	for _, replica := range c.Replicas {
		if replica.Name == "" {
			return errReplicaUnnamed
		}

		if _, ok := names[replica.Name]; ok {
			return fmt.Errorf("replica %q: %w", replica.Name, errReplicasNotUnique)
		}
		names[replica.Name] = struct{}{}
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.GracefulStopTimeout.Duration() == 0 {
		c.GracefulStopTimeout = Duration(time.Minute)
	}

	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// BranchModel converts the branch section into the branch served by the
// broadcaster.
func (c *Config) BranchModel() (models.Branch, error) {
	id := models.NewBranchID()
	if c.Branch.ID != "" {
		var err error
		if id, err = models.ParseBranchID(c.Branch.ID); err != nil {
			return models.Branch{}, fmt.Errorf("%w: %v", errInvalidBranchID, err)
		}
	}

	return models.Branch{
		ID: id,
		Birth: models.BirthCertificate{
			Region:           models.KeyRange{Start: c.Branch.RegionStart, End: c.Branch.RegionEnd},
			InitialTimestamp: sequencer.Timestamp(c.Branch.InitialTimestamp),
		},
	}, nil
}
