package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/manningwu07/vhred/logging"
	"github.com/manningwu07/vhred/params"
)

var (
	cfgFile string
	Version string
)

var rootCmd = &cobra.Command{
	Use:   "vhred",
	Short: "Train and sample a hierarchical latent-variable dialogue model",
	Long: `Train a VHRED dialogue model on a plain-text corpus and generate
responses from a saved checkpoint.

Examples:
  # Train on a corpus with blank-line separated conversations
  vhred train --corpus data/dialogues.txt --out runs/first

  # Generate a reply to a two-turn history
  vhred generate --checkpoint runs/first --history "hi" --history "how are you?"`,
	SilenceUsage: true,
}

// Execute runs the root command. Called once from main.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (e.g. vhred.yaml)")
	rootCmd.PersistentFlags().
		String("log-level", "info", "set the logging level (e.g. debug, info, warn, error)")
	rootCmd.PersistentFlags().
		String("log-style", "terminal", "set the logging output style (terminal, json, noop)")

	mustBindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.style", "terminal")
	if err := setConfigDefaults(params.Default()); err != nil {
		panic(err)
	}
}

func mustBindPFlag(key string, f *pflag.Flag) {
	if err := viper.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

// setConfigDefaults registers every model and training key with viper so
// VHRED_MODEL_VOCAB_SIZE style env vars are picked up by Unmarshal.
func setConfigDefaults(cfg params.Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return err
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := prefix + k
			if sub, ok := v.(map[string]any); ok {
				walk(key+".", sub)
				continue
			}
			viper.SetDefault(key, v)
		}
	}
	walk("", tree)
	return nil
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".vhred")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("vhred")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("VHRED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// loadConfig merges defaults, the config file, env vars and bound flags.
func loadConfig() (params.Config, error) {
	cfg := params.Default()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
