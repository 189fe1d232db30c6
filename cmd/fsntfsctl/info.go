package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print volume geometry and MFT entry count",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, closer, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer closer()

			fmt.Printf("mft entries: %d\n", f.NumberOfMFTEntries())
			return nil
		},
	}
}
