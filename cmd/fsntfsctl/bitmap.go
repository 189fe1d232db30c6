package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBitmapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bitmap",
		Short: "Print the coalesced cluster allocation ranges from $Bitmap",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, closer, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer closer()

			if err := f.ReadBitmap(ctx); err != nil {
				return fmt.Errorf("reading $Bitmap: %w", err)
			}

			ranges := f.BitmapRanges()
			for _, r := range ranges {
				fmt.Printf("%d\t%d\n", r.Start, r.Count)
			}
			fmt.Printf("# %d allocated range(s)\n", len(ranges))
			return nil
		},
	}
}
