package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	imagePath string
	jsonLogs  bool
	logLevel  string
	mftOnly   bool
	directIO  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fsntfsctl",
		Short: "Inspect an NTFS volume image read-only",
		Long:  "fsntfsctl bootstraps the MFT of an NTFS volume image and exposes it for inspection: listing entries, dumping file data, reporting cluster allocation, and resolving security descriptors.",
	}

	rootCmd.PersistentFlags().StringVarP(&imagePath, "image", "i", "", "path to the NTFS volume image (required)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "emit structured logs as JSON instead of text")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&mftOnly, "mft-only", false, "treat everything from the boot sector's MFT offset to the end of the image as the MFT; never resolve $MFT's own data runs")
	rootCmd.PersistentFlags().BoolVar(&directIO, "direct-io", false, "request O_DIRECT when opening the image (Linux, best-effort)")
	rootCmd.MarkPersistentFlagRequired("image")

	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newLsCmd())
	rootCmd.AddCommand(newCatCmd())
	rootCmd.AddCommand(newBitmapCmd())
	rootCmd.AddCommand(newSecdescCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

