package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	pay "github.com/birdhouse-social/birdpay/pkg"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// Load config
	var config pay.Config
	LoadConfig(&config)

	var sub SubCommandArgs

	// define root command
	rootCmd := &cobra.Command{
		Use: "birdpay",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			SetUpLogging(config)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(0)
		},
	}

	// Add flags for each configuration option
	rootCmd.PersistentFlags().StringVar(&config.Backend.BaseURL, "backend-url", config.Backend.BaseURL, "Payment backend base URL")
	rootCmd.PersistentFlags().StringVar(&config.Backend.AuthToken, "auth-token", config.Backend.AuthToken, "Bearer token for the payment backend")
	rootCmd.PersistentFlags().BoolVar(&config.Stream.PollOnly, "poll-only", config.Stream.PollOnly, "Disable the event stream and rely on polling")
	rootCmd.PersistentFlags().StringVar(&config.Stream.Transport, "stream-transport", config.Stream.Transport, "Event stream transport: sse or zmq")
	rootCmd.PersistentFlags().StringVar(&config.WebAPI.Port, "webapi-port", config.WebAPI.Port, "Web API port")
	rootCmd.PersistentFlags().StringVar(&config.WebAPI.Bind, "webapi-bind", config.WebAPI.Bind, "Web API bind")
	rootCmd.PersistentFlags().StringVar(&config.Store.DBFile, "store-db-file", config.Store.DBFile, "Transition journal: sqlite file or postgres:// URL")
	rootCmd.PersistentFlags().StringVar(&config.Log.Path, "log-file", config.Log.Path, "Also write the process log to this rotating file")
	rootCmd.PersistentFlags().StringVar(&sub.RemoteServer, "remote", "", "Base URL of a running birdpay web API")
	// Bind flags to config fields
	viper.BindPFlags(rootCmd.PersistentFlags())

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the birdpay payment API",
		Run: func(cmd *cobra.Command, args []string) {
			Server(config)
		},
	}

	configCmd := &cobra.Command{
		Use:   "showconf",
		Short: "Print the config state and exit",
		Run: func(cmd *cobra.Command, args []string) {
			shown := config
			if shown.Backend.AuthToken != "" {
				shown.Backend.AuthToken = "********"
			}
			o, _ := json.MarshalIndent(shown, ">", " ")
			fmt.Println(string(o))
			os.Exit(0)
		},
	}

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(payCommand(&config))
	rootCmd.AddCommand(remoteCommands(&config, &sub)...)
	rootCmd.AddCommand(fakeBackendCommand())

	// Execute the Cobra command
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// LoadConfig reads .env, then config.toml (or $BIRDPAY_ENV.toml) if one
// exists, then fills defaults and BIRDPAY_ env overrides.
func LoadConfig(config *pay.Config) {
	// a missing .env is normal
	_ = godotenv.Load()

	configFileName, set := os.LookupEnv("BIRDPAY_ENV")
	if set {
		viper.SetConfigName(configFileName)
	} else {
		viper.SetConfigName("config")
	}

	// Set config file name and search paths
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/birdpay/")
	viper.AddConfigPath("$HOME/.birdpay")

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Println("failed to read config file: ", err)
			os.Exit(1)
		}
	} else if err := viper.Unmarshal(config); err != nil {
		panic(fmt.Errorf("failed to unmarshal config: %s", err))
	}

	if err := config.Defaults(); err != nil {
		panic(fmt.Errorf("failed to apply config defaults: %s", err))
	}
}

// SetUpLogging sends the process log to stderr and, if configured, a
// rotating file.
func SetUpLogging(config pay.Config) {
	if config.Log.Path == "" {
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   config.Log.Path,
		MaxSize:    50, // MB
		MaxBackups: 5,
		Compress:   true,
	}))
}
