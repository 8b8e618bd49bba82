package cmd

import (
	"bytes"
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cocoonstack/nbinteract/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nbinteract",
		Short:         "nbinteract - interactive widgets for static notebook pages",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (yaml, toml, json or jsonc)")
	cmd.PersistentFlags().String("root-dir", "", "directory for the session cache")
	cmd.PersistentFlags().String("spec", "", "BinderHub repository spec")
	cmd.PersistentFlags().String("base-url", "", "BinderHub base URL")
	cmd.PersistentFlags().String("provider", "", "BinderHub repository provider")
	cmd.PersistentFlags().String("nb-url", "", "use a running notebook server instead of BinderHub")
	cmd.PersistentFlags().Bool("local", false, "use the notebook server at http://localhost:8888")
	cmd.PersistentFlags().String("token", "", "notebook server token")
	cmd.PersistentFlags().String("log-level", "", "log level")

	for key, flag := range map[string]string{
		"root_dir":  "root-dir",
		"spec":      "spec",
		"base_url":  "base-url",
		"provider":  "provider",
		"nb_url":    "nb-url",
		"local":     "local",
		"token":     "token",
		"log.level": "log-level",
	} {
		_ = viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag))
	}

	viper.SetEnvPrefix("NBINTERACT")
	viper.AutomaticEnv()

	cmd.AddCommand(
		runCmd,
		watchCmd,
		serveCmd,
		buildCmd,
		kernelCmd,
		gcCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	_ = godotenv.Load() // optional; missing .env is OK

	conf = config.DefaultConfig()

	switch {
	case cfgFile != "" && config.IsJSONC(cfgFile):
		data, err := config.ReadJSONC(cfgFile)
		if err != nil {
			return err
		}
		viper.SetConfigType("json")
		if err := viper.ReadConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	case cfgFile != "":
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()
	if err := conf.Validate(); err != nil {
		return err
	}

	return log.SetupLog(context.Background(), &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
