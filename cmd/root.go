// Package cmd wires the genie-upload command line: serve runs the daemon,
// push uploads a file the way a device does, recent lists catalogued uploads.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "1.0.0"

	serviceName = "genie-upload"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "genie-upload",
		Short: "raw socket audio upload daemon with an HTTP download server",
		Long: fmt.Sprintf(`genie-upload (v%s)

Accepts raw audio streams framed by the GENIE_SOCKET_UPLOAD_START and
GENIE_SOCKET_UPLOAD_END sentinels on a TCP port, writes every upload to the
working directory and serves that directory over HTTP.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of genie-upload",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "genie-upload v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(pushCmd)
	RootCmd.AddCommand(recentCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initConfig loads .env files and lets GENIE_* environment variables override
// flag defaults.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("genie")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
