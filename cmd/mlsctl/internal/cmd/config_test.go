package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mls "github.com/binkos/mls-messenger-sample"
)

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.Nil(t, mkConfig(dir))

	conf, err := loadConfig(filepath.Join(dir, "config.toml"))
	require.Nil(t, err)

	want := defaultConfig()
	want.Store.Path = filepath.Join(dir, "mls-state")
	require.Equal(t, want, *conf)

	mconf, err := conf.mlsConfig()
	require.Nil(t, err)
	require.Equal(t, mls.X25519_AES128GCM_SHA256_Ed25519, mconf.CipherSuite)
	require.Equal(t, 30*24*time.Hour, mconf.KeyPackageLifetime)
	require.NotNil(t, mconf.Logger)
}

func TestConfigMissingFile(t *testing.T) {
	conf, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.Nil(t, err)
	require.Equal(t, defaultConfig(), *conf)
}

func TestConfigErrors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.toml")

	require.Nil(t, os.WriteFile(file, []byte(`key_package_lifetime = "soon"`), 0o644))
	_, err := loadConfig(file)
	require.Error(t, err)

	conf := defaultConfig()
	conf.CipherSuite = "ROT13"
	_, err = conf.mlsConfig()
	require.ErrorIs(t, err, mls.ErrUnsupportedCipherSuite)

	conf = defaultConfig()
	conf.Logger.Format = "xml"
	_, err = conf.mlsConfig()
	require.Error(t, err)

	conf = defaultConfig()
	conf.Logger.Level = "loud"
	_, err = conf.mlsConfig()
	require.Error(t, err)

	conf = defaultConfig()
	conf.Store.Backend = "tape"
	_, err = conf.openStore("alice")
	require.Error(t, err)
}

func TestDemo(t *testing.T) {
	for _, backend := range []string{"memory", "leveldb", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			conf := defaultConfig()
			conf.Store = StoreConfig{Backend: backend, Path: t.TempDir()}
			conf.Logger.Level = "error"

			require.Nil(t, runDemo(context.Background(), &conf))
		})
	}
}
