// Command avenc encodes a synthetic scene through an encode session and
// writes it to a file, an RTMP endpoint or both.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "avenc",
	Short:        "Real-time GPU fed audio/video encoder",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(EncodeCmd, BackendsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
