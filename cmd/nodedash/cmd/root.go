package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/nodedash/internal/config"
)

var (
	cfgFile string
	envFile string
	output  string

	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "nodedash",
	Short: "nodedash is a BitcoinII node dashboard, explorer and wallet",
	Long: `A web dashboard for a BitcoinII node: chain health, a block and mempool
explorer, and a custodial wallet per registered user.

Settings come from flags, environment variables, an optional YAML config
file and a .env file, in that order of precedence.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./nodedash.yaml or /etc/nodedash/nodedash.yaml)")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	pf.StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")

	pf.String("rpc-host", "", "node RPC host")
	pf.Int("rpc-port", 0, "node RPC port")
	pf.String("rpc-user", "", "node RPC user")
	pf.String("rpc-cookie", "", "path to the node's .cookie file")
	pf.String("user-db", "", "path to the bbolt user database")
	bindFlags(rootCmd, map[string]string{
		"rpc-host":   config.KeyRPCHost,
		"rpc-port":   config.KeyRPCPort,
		"rpc-user":   config.KeyRPCUser,
		"rpc-cookie": config.KeyRPCCookie,
		"user-db":    config.KeyUserDB,
	}, true)
}

// initConfig layers the .env file, the config file and the environment
// under the flags bound to v.
func initConfig(_ *cobra.Command, _ []string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}

	config.SetDefaults(v)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("nodedash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nodedash")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// bindFlags ties flag names to config keys so a flag, when given, wins
// over every other source.
func bindFlags(c *cobra.Command, names map[string]string, persistent bool) {
	flags := c.Flags()
	if persistent {
		flags = c.PersistentFlags()
	}
	for name, key := range names {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(name)))
	}
}
