package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/thesyncim/avenc"
)

// BackendsCmd lists the registered codecs and whether their providers loaded.
var BackendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List registered codecs",
	Long:  `Lists every codec registered with the encoder, its provider, license and whether it can be opened on this system.`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCODEC\tKIND\tPROVIDER\tLICENSE\tAVAILABLE")
		for _, info := range avenc.Codecs() {
			if !all && !info.Available() {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
				info.Name, info.ID, info.Kind(), info.Provider, info.Provider.License(), info.Available())
		}
		for _, name := range []string{avenc.EncoderH264HW, avenc.EncoderH265HW, avenc.EncoderWavelet} {
			fmt.Fprintf(w, "%s\t-\tvideo\tdevice\tBSD\tdevice\n", name)
		}
		w.Flush()
	},
}

func init() {
	BackendsCmd.Flags().BoolP("all", "a", false, "Include codecs whose provider failed to load")
}
