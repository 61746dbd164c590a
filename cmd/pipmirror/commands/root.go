package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/PiPMirror/internal/config"
	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "pipmirror",
		Short: "PiPMirror - mirror windows into picture-in-picture viewers",
		Long: `PiPMirror mirrors live application windows into small always-on-top
viewer windows.

Features:
  • List capturable windows, hiding shell surfaces and PiPMirror itself
  • Mirror a window by id, or pick one with the desktop content picker
  • One viewer per window; asking again raises the existing viewer
  • Persistent exclusion list of application ids
  • Local control API with a websocket event feed`,
		SilenceUsage:      true,
		PersistentPreRunE: initLogging,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pipmirror/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty-logs", false, "human-readable console logs")
	rootCmd.PersistentFlags().String("display", "", "X11 display (default is $DISPLAY)")
	rootCmd.PersistentFlags().String("backend", "auto", "window discovery backend (auto, x11, kwin)")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("pretty_logs", rootCmd.PersistentFlags().Lookup("pretty-logs"))
	viper.BindPFlag("display", rootCmd.PersistentFlags().Lookup("display"))
	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
}

func initConfig() {
	viper.SetEnvPrefix("pipmirror")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		cfgFile = viper.GetString("config")
	}
}

// initLogging applies the flag or environment level, else the configured one
func initLogging(cmd *cobra.Command, args []string) error {
	level := viper.GetString("log_level")
	if level == "" {
		if mgr, err := config.NewManager(cfgFile); err == nil {
			level = mgr.GetLogLevel()
		}
	}
	logger.Init(level, viper.GetBool("pretty_logs"))
	return nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

func loadConfig() (*config.Manager, error) {
	mgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return mgr, nil
}
