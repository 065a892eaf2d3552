package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "S3UPLOADS"

// app carries what every command shares.
type app struct {
	v       *viper.Viper
	envRepo env.Repository
	logger  log.Logger
	out     io.Writer
}

func newApp(envRepo env.Repository, logger log.Logger, out io.Writer) *app {
	return &app{
		v:       viper.New(),
		envRepo: envRepo,
		logger:  logger,
		out:     out,
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "s3uploads",
		Short: "Upload files to S3 compatible storage through presigned requests",
		Long: `s3uploads uploads local files to S3 compatible storage. Large files are sent
as parts in parallel, acknowledged parts are cached so an interrupted upload
resumes where it stopped. Sessions are issued either by an upload service
(--api-url) or directly by the storage credentials of this process.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	rootCmd.SetOut(a.out)

	rootCmd.PersistentFlags().String("config", "", "Path of a configuration file (yaml, json or toml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logs")

	rootCmd.AddCommand(newPutCmd(a))
	rootCmd.AddCommand(newServeCmd(a))
	return rootCmd
}

func (a *app) initConfig(cmd *cobra.Command) error {
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	loader := NewFlagLoader(cmd, a.v)
	if configFile := loader.String("config"); configFile != "" {
		a.v.SetConfigFile(configFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		a.logger.Debugf("Using config file: %s", a.v.ConfigFileUsed())
	}

	a.logger.EnableDebugLog(loader.Bool("debug"))
	return nil
}

// secret reads a secret flag, falling back to the given environment variables.
func (a *app) secret(loader *FlagLoader, flagName string, envKeys ...string) string {
	if value := loader.String(flagName); value != "" {
		return value
	}
	for _, key := range envKeys {
		if value := a.envRepo.Get(key); value != "" {
			return value
		}
	}
	return ""
}
