// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinytxn/kv/util/typeutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the tinytxn server configuration.
type Config struct {
	*flag.FlagSet `json:"-"`

	ConfigCheck bool `json:"-"`

	Name       string `toml:"name" json:"name"`
	StatusAddr string `toml:"status-addr" json:"status-addr"`

	// Log related config.
	Log log.Config `toml:"log" json:"log"`

	Partition PartitionConfig `toml:"partition" json:"partition"`
	Txn       TxnConfig       `toml:"txn" json:"txn"`
	GC        GCConfig        `toml:"gc" json:"gc"`

	configFile string

	// For all warnings during parsing.
	WarningMsgs []string `json:"-"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// PartitionConfig is the configuration of the in-memory partitions.
type PartitionConfig struct {
	// Count is the number of partitions. Fixed for the lifetime of a server.
	Count uint64 `toml:"count" json:"count"`
	// MemoryQuota bounds the bytes one partition may hold in committed
	// versions plus prepared writes. 0 means unlimited.
	MemoryQuota typeutil.ByteSize `toml:"memory-quota" json:"memory-quota"`
	// BTreeDegree is the degree of the per-partition version index.
	BTreeDegree int `toml:"btree-degree" json:"btree-degree"`
}

// TxnConfig is the configuration of the transaction coordinator.
type TxnConfig struct {
	// Timeout is the age after which an active transaction is aborted.
	Timeout typeutil.Duration `toml:"timeout" json:"timeout"`
	// WatchdogInterval is how often active transactions are checked for timeout.
	WatchdogInterval typeutil.Duration `toml:"watchdog-interval" json:"watchdog-interval"`
	// PrepareTimeout bounds the prepare phase of a commit.
	PrepareTimeout typeutil.Duration `toml:"prepare-timeout" json:"prepare-timeout"`
	// CommitTimeout bounds the commit or rollback phase of a commit.
	CommitTimeout typeutil.Duration `toml:"commit-timeout" json:"commit-timeout"`
	// IdempotencyWindow is how long a finished transaction is remembered so
	// repeated commit and rollback calls get the same answer.
	IdempotencyWindow typeutil.Duration `toml:"idempotency-window" json:"idempotency-window"`
	// CleanupRetries is the number of attempts for each best-effort rollback.
	CleanupRetries int `toml:"cleanup-retries" json:"cleanup-retries"`
	// CleanupBackoff is the pause between two rollback attempts.
	CleanupBackoff typeutil.Duration `toml:"cleanup-backoff" json:"cleanup-backoff"`
}

// GCConfig is the configuration of the version garbage collector.
type GCConfig struct {
	Disable  bool              `toml:"disable" json:"disable"`
	Interval typeutil.Duration `toml:"interval" json:"interval"`
}

const (
	defaultName       = "tinytxn"
	defaultStatusAddr = "127.0.0.1:20180"

	defaultPartitionCount = 4
	defaultBTreeDegree    = 32

	defaultTxnTimeout        = 10 * time.Second
	defaultWatchdogInterval  = time.Second
	defaultPrepareTimeout    = 3 * time.Second
	defaultCommitTimeout     = 3 * time.Second
	defaultIdempotencyWindow = time.Minute
	defaultCleanupRetries    = 3
	defaultCleanupBackoff    = 10 * time.Millisecond

	defaultGCInterval = 10 * time.Second
)

// NewConfig creates a new config with the command line flags registered.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("tinytxn", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.StringVar(&cfg.configFile, "config", "", "Config file")
	fs.BoolVar(&cfg.ConfigCheck, "config-check", false, "check config file validity and exit")

	fs.StringVar(&cfg.Name, "name", "", "human-readable name for this server")
	fs.StringVar(&cfg.StatusAddr, "status-addr", "", "address of the status HTTP server")
	fs.Uint64Var(&cfg.Partition.Count, "partitions", 0, "number of partitions (default 4)")

	fs.StringVar(&cfg.Log.Level, "L", "", "log level: debug, info, warn, error, fatal (default 'info')")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "log file path")

	return cfg
}

// NewDefaultConfig returns a config with every item set to its default.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	if err := cfg.Adjust(nil); err != nil {
		panic(err)
	}
	return cfg
}

// NewTestConfig returns a config with short intervals suitable for tests.
func NewTestConfig() *Config {
	cfg := &Config{
		Name:       "test",
		StatusAddr: "127.0.0.1:0",
		Partition: PartitionConfig{
			Count: 2,
		},
		Txn: TxnConfig{
			Timeout:           typeutil.NewDuration(time.Second),
			WatchdogInterval:  typeutil.NewDuration(10 * time.Millisecond),
			PrepareTimeout:    typeutil.NewDuration(time.Second),
			CommitTimeout:     typeutil.NewDuration(time.Second),
			IdempotencyWindow: typeutil.NewDuration(time.Second),
			CleanupBackoff:    typeutil.NewDuration(time.Millisecond),
		},
		GC: GCConfig{
			Interval: typeutil.NewDuration(10 * time.Millisecond),
		},
	}
	cfg.Log.Level = "warn"
	if err := cfg.Adjust(nil); err != nil {
		panic(err)
	}
	return cfg
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustUint64(v *uint64, defValue uint64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *typeutil.Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Parse parses flag definitions from the argument list.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	err := c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	// Load config file if specified.
	var meta *toml.MetaData
	if c.configFile != "" {
		meta, err = c.configFromFile(c.configFile)
		if err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}

	if err = c.Adjust(meta); err != nil {
		return err
	}
	return c.Validate()
}

// Validate is used to validate if some configurations are right.
func (c *Config) Validate() error {
	if c.Partition.Count == 0 {
		return errors.New("partition count should be greater than 0")
	}
	if c.Partition.BTreeDegree < 2 {
		return errors.Errorf("btree degree %d should be at least 2", c.Partition.BTreeDegree)
	}
	if c.Txn.Timeout.Duration <= 0 {
		return errors.New("txn timeout should be positive")
	}
	if c.Txn.WatchdogInterval.Duration <= 0 {
		return errors.New("watchdog interval should be positive")
	}
	if c.Txn.WatchdogInterval.Duration > c.Txn.Timeout.Duration {
		return errors.Errorf("watchdog interval %s should not exceed txn timeout %s",
			c.Txn.WatchdogInterval, c.Txn.Timeout)
	}
	if c.Txn.PrepareTimeout.Duration <= 0 {
		return errors.Errorf("prepare timeout %s should be positive", c.Txn.PrepareTimeout)
	}
	if c.Txn.CommitTimeout.Duration <= 0 {
		return errors.Errorf("commit timeout %s should be positive", c.Txn.CommitTimeout)
	}
	if c.Txn.CleanupRetries < 1 {
		return errors.Errorf("cleanup retries %d should be at least 1", c.Txn.CleanupRetries)
	}
	if !c.GC.Disable && c.GC.Interval.Duration <= 0 {
		return errors.New("gc interval should be positive")
	}
	return nil
}

// Utility to test if a configuration is defined.
type configMetaData struct {
	meta *toml.MetaData
	path []string
}

func newConfigMetadata(meta *toml.MetaData) *configMetaData {
	return &configMetaData{meta: meta}
}

func (m *configMetaData) IsDefined(key string) bool {
	if m.meta == nil {
		return false
	}
	keys := append([]string(nil), m.path...)
	keys = append(keys, key)
	return m.meta.IsDefined(keys...)
}

func (m *configMetaData) Child(path ...string) *configMetaData {
	newPath := append([]string(nil), m.path...)
	newPath = append(newPath, path...)
	return &configMetaData{
		meta: m.meta,
		path: newPath,
	}
}

func (m *configMetaData) CheckUndecoded() error {
	if m.meta == nil {
		return nil
	}
	undecoded := m.meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	errInfo := "Config contains undefined item: "
	for _, key := range undecoded {
		errInfo += key.String() + ", "
	}
	return errors.New(errInfo[:len(errInfo)-2])
}

// Adjust fills every unset item with its default value.
func (c *Config) Adjust(meta *toml.MetaData) error {
	configMetaData := newConfigMetadata(meta)
	if err := configMetaData.CheckUndecoded(); err != nil {
		c.WarningMsgs = append(c.WarningMsgs, err.Error())
	}

	if c.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.WithStack(err)
		}
		adjustString(&c.Name, fmt.Sprintf("%s-%s", defaultName, hostname))
	}
	adjustString(&c.StatusAddr, defaultStatusAddr)

	c.Partition.adjust()
	c.Txn.adjust(configMetaData.Child("txn"))
	c.GC.adjust()
	return nil
}

func (c *PartitionConfig) adjust() {
	adjustUint64(&c.Count, defaultPartitionCount)
	adjustInt(&c.BTreeDegree, defaultBTreeDegree)
}

func (c *TxnConfig) adjust(meta *configMetaData) {
	adjustDuration(&c.Timeout, defaultTxnTimeout)
	adjustDuration(&c.WatchdogInterval, defaultWatchdogInterval)
	adjustDuration(&c.PrepareTimeout, defaultPrepareTimeout)
	adjustDuration(&c.CommitTimeout, defaultCommitTimeout)
	// A zero window is meaningful: forget finished transactions at the next sweep.
	if !meta.IsDefined("idempotency-window") {
		adjustDuration(&c.IdempotencyWindow, defaultIdempotencyWindow)
	}
	adjustInt(&c.CleanupRetries, defaultCleanupRetries)
	adjustDuration(&c.CleanupBackoff, defaultCleanupBackoff)
}

func (c *GCConfig) adjust() {
	adjustDuration(&c.Interval, defaultGCInterval)
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<nil>"
	}
	return string(data)
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
