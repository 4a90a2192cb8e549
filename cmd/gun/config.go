package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type config struct {
	DataDir  string
	Network  string
	LogLevel string

	NodeRPC  string
	NodeUser string
	NodePass string

	MinConfs int
	Fee      string
}

func defaultDataDir() string {
	return btcutil.AppDataDir("gun", false)
}

// loadConfig resolves configuration with the usual precedence: CLI flag,
// GUN_* environment variable, gun.yaml in the data directory, default.
func loadConfig(c *cli.Context) (*config, error) {
	v := viper.New()
	v.SetEnvPrefix("GUN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("datadir", defaultDataDir())
	v.SetDefault("network", "regtest")
	v.SetDefault("loglevel", "info")
	v.SetDefault("node-rpc", "127.0.0.1:18443")
	v.SetDefault("node-user", "")
	v.SetDefault("node-pass", "")
	v.SetDefault("min-confs", 1)
	v.SetDefault("fee", "in-blocks:1")

	for _, name := range []string{
		"datadir", "network", "loglevel",
		"node-rpc", "node-user", "node-pass", "fee",
	} {
		if c.IsSet(name) {
			v.Set(name, c.String(name))
		}
	}
	if c.IsSet("min-confs") {
		v.Set("min-confs", c.Int("min-confs"))
	}

	v.SetConfigName("gun")
	v.SetConfigType("yaml")
	v.AddConfigPath(v.GetString("datadir"))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &config{
		DataDir:  v.GetString("datadir"),
		Network:  v.GetString("network"),
		LogLevel: v.GetString("loglevel"),
		NodeRPC:  v.GetString("node-rpc"),
		NodeUser: v.GetString("node-user"),
		NodePass: v.GetString("node-pass"),
		MinConfs: v.GetInt("min-confs"),
		Fee:      v.GetString("fee"),
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

func (c *config) chainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", c.Network)
}

func (c *config) logger() (*logrus.Entry, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", c.LogLevel, err)
	}
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l.WithField("net", c.Network), nil
}

// nodeClient connects to the bitcoind node over HTTP POST JSON-RPC.
func (c *config) nodeClient() (*rpcclient.Client, error) {
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:         c.NodeRPC,
		User:         c.NodeUser,
		Pass:         c.NodePass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
}

func (c *config) dbPath() string {
	return filepath.Join(c.DataDir, c.Network+".contracts.db")
}
