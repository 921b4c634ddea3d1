package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cwrk-planet/watch-party/internal/party/api"
	"github.com/cwrk-planet/watch-party/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	serverKey   = "server"
	channelKey  = "channel"
	storageKey  = "storage"
	nameKey     = "name"
	timeoutKey  = "timeout"
	logLevelKey = "log-level"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "party",
		Short:         "Headless watch-party client",
		Long:          "party creates and joins watch-party rooms and drives playback, chat and the shared video from a terminal.",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(); err != nil {
				return err
			}
			logger.InitWriter(os.Stderr, logger.Config{
				Service: "party",
				Env:     logger.EnvDev,
				Backend: logger.BackendStd,
				Level:   logger.ParseLevel(viper.GetString(logLevelKey)),
			})
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.party.yaml)")
	pf.String(serverKey, "http://localhost:8080", "backend origin")
	pf.String(channelKey, "", "channel origin (default derived from --server)")
	pf.String(storageKey, "", "public storage base URL for uploaded files")
	pf.String(nameKey, "", "display name in the room")
	pf.Duration(timeoutKey, 10*time.Second, "timeout for registry calls")
	pf.String(logLevelKey, "warn", "debug|info|warn|error")
	for _, k := range []string{serverKey, channelKey, storageKey, nameKey, timeoutKey, logLevelKey} {
		_ = viper.BindPFlag(k, pf.Lookup(k))
	}

	root.AddCommand(newCreateCmd(), newJoinCmd(), newWatchCmd())
	return root
}

// initConfig reads ~/.party.yaml (or --config) and PARTY_* variables.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".party")
	}
	viper.SetEnvPrefix("party")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &nf) {
			return fmt.Errorf("read config: %w", err)
		}
	} else {
		slog.Debug("config loaded", "file", viper.ConfigFileUsed())
	}
	return nil
}

func newAPIClient() (*api.Client, error) {
	return api.New(api.Options{
		BaseURL:        viper.GetString(serverKey),
		StorageBaseURL: viper.GetString(storageKey),
		Timeout:        viper.GetDuration(timeoutKey),
	})
}

// channelOrigin is --channel, or --server with the scheme switched to ws.
func channelOrigin() string {
	if c := viper.GetString(channelKey); c != "" {
		return c
	}
	return wsOrigin(viper.GetString(serverKey))
}

func wsOrigin(httpOrigin string) string {
	switch {
	case strings.HasPrefix(httpOrigin, "https://"):
		return "wss://" + strings.TrimPrefix(httpOrigin, "https://")
	case strings.HasPrefix(httpOrigin, "http://"):
		return "ws://" + strings.TrimPrefix(httpOrigin, "http://")
	default:
		return httpOrigin
	}
}
