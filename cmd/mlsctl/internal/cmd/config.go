package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	mls "github.com/binkos/mls-messenger-sample"
	"github.com/binkos/mls-messenger-sample/storage"
	"github.com/binkos/mls-messenger-sample/storage/dsstore"
	"github.com/binkos/mls-messenger-sample/storage/leveldbstore"
	"github.com/binkos/mls-messenger-sample/storage/sqlitestore"
)

// Config is the on-disk form of mls.Config plus the choice of store.
type Config struct {
	CipherSuite            string   `toml:"cipher_suite"`
	EpochRetention         int      `toml:"epoch_retention"`
	OutOfOrderTolerance    uint32   `toml:"out_of_order_tolerance"`
	MaximumForwardDistance uint32   `toml:"maximum_forward_distance"`
	KeyPackageLifetime     duration `toml:"key_package_lifetime"`

	Store  StoreConfig  `toml:"store"`
	Logger LoggerConfig `toml:"logger"`
}

// StoreConfig selects the state store.  Backend is one of "memory",
// "leveldb" or "sqlite"; Path is the directory the persistent backends
// keep one database per client in.
type StoreConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type LoggerConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type duration struct {
	time.Duration
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func defaultConfig() Config {
	def := mls.DefaultConfig()
	return Config{
		CipherSuite:            def.CipherSuite.String(),
		EpochRetention:         def.EpochRetention,
		OutOfOrderTolerance:    def.OutOfOrderTolerance,
		MaximumForwardDistance: def.MaximumForwardDistance,
		KeyPackageLifetime:     duration{def.KeyPackageLifetime},
		Store: StoreConfig{
			Backend: "leveldb",
			Path:    "mls-state",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadConfig reads the file at path.  A missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	conf := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &conf, nil
	}

	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Relative store paths are relative to the config file.
	if conf.Store.Path != "" && !filepath.IsAbs(conf.Store.Path) {
		conf.Store.Path = filepath.Join(filepath.Dir(path), conf.Store.Path)
	}
	return &conf, nil
}

func (c *Config) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logger.Level)); err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	switch c.Logger.Format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", c.Logger.Format)
}

func (c *Config) mlsConfig() (mls.Config, error) {
	suite, err := mls.ParseCipherSuite(c.CipherSuite)
	if err != nil {
		return mls.Config{}, err
	}

	logger, err := c.logger()
	if err != nil {
		return mls.Config{}, err
	}

	return mls.Config{
		CipherSuite:            suite,
		EpochRetention:         c.EpochRetention,
		OutOfOrderTolerance:    c.OutOfOrderTolerance,
		MaximumForwardDistance: c.MaximumForwardDistance,
		KeyPackageLifetime:     c.KeyPackageLifetime.Duration,
		Logger:                 logger,
	}, nil
}

// openStore opens the store of one named client.
func (c *Config) openStore(name string) (storage.Store, error) {
	switch c.Store.Backend {
	case "memory":
		return dsstore.NewMemory(), nil
	case "leveldb":
		return leveldbstore.Open(filepath.Join(c.Store.Path, name))
	case "sqlite":
		return sqlitestore.Open(filepath.Join(c.Store.Path, name+".db"))
	}
	return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
}
