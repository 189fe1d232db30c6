package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List every MFT entry's primary file name",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, closer, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer closer()

			n := f.NumberOfMFTEntries()
			for i := uint64(0); i < n; i++ {
				record, err := f.GetMFTEntryByIndexUncached(ctx, i)
				if err != nil {
					fmt.Printf("%d\t<error: %v>\n", i, err)
					continue
				}

				name, ok := record.PrimaryFileName()
				if !ok {
					fmt.Printf("%d\t<no $FILE_NAME>\n", i)
					continue
				}
				fmt.Printf("%d\t%s\n", i, name.Name)
			}
			return nil
		},
	}
}
