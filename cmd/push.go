package cmd

import (
	"fmt"
	"os"

	"github.com/cyberinferno/genie-upload/uploadclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pushCmd = &cobra.Command{
	Use:   "push <file>",
	Short: "Upload a file to a running daemon the way a device does",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		cfg := uploadclient.DefaultConfig(viper.GetString("addr"))
		cfg.FramePause = viper.GetDuration("frame-pause")
		cfg.ChunkSize = viper.GetInt("chunk-size")

		n, err := uploadclient.NewClient(cfg).Push(cmd.Context(), f)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "pushed %d bytes to %s\n", n, cfg.Address)
		return nil
	},
}

func init() {
	d := uploadclient.DefaultConfig("127.0.0.1:22808")
	f := pushCmd.Flags()

	f.String("addr", d.Address, "address of the upload listener")
	f.Duration("frame-pause", d.FramePause, "pause after the start sentinel and before the end sentinel")
	f.Int("chunk-size", d.ChunkSize, "payload bytes per write")
}
