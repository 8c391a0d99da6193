package etc

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	WalModeFsync      = "fsync"
	WalModeLogOnly    = "log_only"
	WalModeBackground = "background"
)

// Duration reads "150ms" style strings from JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		d.Duration = time.Duration(n) * time.Millisecond
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type NodeConf struct {
	NodeId      int    `json:"node_id"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Coordinator string `json:"coordinator"`
	DataDir     string `json:"data_dir"`
	Partitions  int    `json:"partitions"`
	LogLevel    string `json:"log_level"`
	MetricsAddr string `json:"metrics_addr"`

	HeartbeatInterval Duration `json:"heartbeat_interval"`

	Storage   StorageConf   `json:"storage"`
	Wal       WalConf       `json:"wal"`
	Rebalance RebalanceConf `json:"rebalance"`
}

type StorageConf struct {
	PageSize           int      `json:"page_size"`
	CheckpointInterval Duration `json:"checkpoint_interval"`
	TombstoneSweep     Duration `json:"tombstone_sweep"`
}

type WalConf struct {
	Mode          string   `json:"mode"`
	Capacity      uint64   `json:"capacity"`
	FlushInterval Duration `json:"flush_interval"`
}

type RebalanceConf struct {
	BatchSize      int      `json:"batch_size"`
	SessionTimeout Duration `json:"session_timeout"`
	RetryInterval  Duration `json:"retry_interval"`
	RequestTimeout Duration `json:"request_timeout"`
}

type CoordinatorConf struct {
	Addr             string   `json:"addr"`
	Partitions       int      `json:"partitions"`
	Backups          int      `json:"backups"`
	HeartbeatTimeout Duration `json:"heartbeat_timeout"`
	LogLevel         string   `json:"log_level"`
	MetricsAddr      string   `json:"metrics_addr"`
}

func MakeDefaultConfig() NodeConf {
	return NodeConf{
		Host:       "127.0.0.1",
		Port:       8800,
		DataDir:    "/data/pkv",
		Partitions: 64,
		LogLevel:   "info",

		HeartbeatInterval: Duration{100 * time.Millisecond},

		Storage: StorageConf{
			PageSize:           4096,
			CheckpointInterval: Duration{3 * time.Second},
			TombstoneSweep:     Duration{time.Second},
		},
		Wal: WalConf{
			Mode:          WalModeLogOnly,
			Capacity:      64 << 20,
			FlushInterval: Duration{100 * time.Millisecond},
		},
		Rebalance: RebalanceConf{
			BatchSize:      512,
			SessionTimeout: Duration{30 * time.Second},
			RetryInterval:  Duration{50 * time.Millisecond},
			RequestTimeout: Duration{5 * time.Second},
		},
	}
}

func MakeDefaultCoordinatorConfig() CoordinatorConf {
	return CoordinatorConf{
		Addr:             "127.0.0.1:8700",
		Partitions:       64,
		Backups:          1,
		HeartbeatTimeout: Duration{3 * time.Second},
		LogLevel:         "info",
	}
}

func (c *NodeConf) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the config once at startup; components trust it afterwards.
func (c *NodeConf) Validate() error {
	if c.NodeId <= 0 {
		return errors.Errorf("node_id must be positive, got %d", c.NodeId)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Partitions <= 0 {
		return errors.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.Storage.PageSize < 512 || c.Storage.PageSize&(c.Storage.PageSize-1) != 0 {
		return errors.Errorf("page_size must be a power of two >= 512, got %d", c.Storage.PageSize)
	}
	switch strings.ToLower(c.Wal.Mode) {
	case WalModeFsync, WalModeLogOnly, WalModeBackground:
		c.Wal.Mode = strings.ToLower(c.Wal.Mode)
	default:
		return errors.Errorf("unknown wal mode %q", c.Wal.Mode)
	}
	if c.Wal.Capacity < 1<<16 {
		return errors.Errorf("wal capacity must be at least 64KiB, got %d", c.Wal.Capacity)
	}
	if c.Wal.Mode == WalModeBackground && c.Wal.FlushInterval.Duration <= 0 {
		return errors.New("background wal mode requires flush_interval")
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.Rebalance.BatchSize <= 0 {
		return errors.Errorf("rebalance batch_size must be positive, got %d", c.Rebalance.BatchSize)
	}
	if c.Rebalance.SessionTimeout.Duration <= 0 || c.Rebalance.RetryInterval.Duration <= 0 ||
		c.Rebalance.RequestTimeout.Duration <= 0 {
		return errors.New("rebalance timeouts must be positive")
	}
	return nil
}

func (c *CoordinatorConf) Validate() error {
	if c.Partitions <= 0 {
		return errors.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.Backups < 0 {
		return errors.Errorf("backups must not be negative, got %d", c.Backups)
	}
	if c.HeartbeatTimeout.Duration <= 0 {
		return errors.New("heartbeat_timeout must be positive")
	}
	return nil
}

func ParseNodeConf(confPath string) (NodeConf, error) {
	conf := MakeDefaultConfig()
	if err := parseJSON(confPath, &conf); err != nil {
		return conf, err
	}
	return conf, conf.Validate()
}

func ParseCoordinatorConf(confPath string) (CoordinatorConf, error) {
	conf := MakeDefaultCoordinatorConfig()
	if err := parseJSON(confPath, &conf); err != nil {
		return conf, err
	}
	return conf, conf.Validate()
}

func parseJSON(confPath string, v interface{}) error {
	confBytes, err := os.ReadFile(confPath)
	if err != nil {
		return errors.Wrap(err, "failed to open config file")
	}
	if err := json.Unmarshal(confBytes, v); err != nil {
		return errors.Wrap(err, "failed to parse config file")
	}
	return nil
}
