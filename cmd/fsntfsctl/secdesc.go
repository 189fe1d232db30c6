package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newSecdescCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secdesc <security id>",
		Short: "Resolve a $Secure security descriptor by its $SII identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid security id %q: %w", args[0], err)
			}

			ctx := cmd.Context()
			f, closer, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer closer()

			if err := f.ReadSecurityDescriptors(ctx); err != nil {
				return fmt.Errorf("reading $Secure: %w", err)
			}

			desc, found, err := f.GetSecurityDescriptorByID(uint32(id))
			if err != nil {
				return fmt.Errorf("looking up security id %d: %w", id, err)
			}
			if !found {
				return fmt.Errorf("no security descriptor for id %d", id)
			}

			fmt.Printf("revision:  %d\n", desc.Revision)
			fmt.Printf("control:   %#04x\n", desc.Control)
			fmt.Printf("owner:     %s\n", desc.Owner.String())
			fmt.Printf("group:     %s\n", desc.Group.String())
			fmt.Printf("sacl:      %d byte(s)\n", len(desc.SACL))
			fmt.Printf("dacl:      %d byte(s)\n", len(desc.DACL))
			return nil
		},
	}
}
