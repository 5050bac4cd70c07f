package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busd-project/busd/internal/rpc"
	"github.com/busd-project/busd/internal/wire"
)

func nameCmd() *cobra.Command {
	cmd := &cobra.Command{
 Use: "name",
 Short: "Advertise and discover well-known names",
	}

	cmd.AddCommand(nameAdvertiseCmd())
	cmd.AddCommand(nameCancelAdvertiseCmd())
	cmd.AddCommand(nameFindCmd())
	cmd.AddCommand(nameCancelFindCmd())

	return cmd
}

func nameAdvertiseCmd() *cobra.Command {
	var (
 owner string
 transports string
	)

	cmd := &cobra.Command{
 Use: "advertise <well-known-name>",
 Short: "Advertise a well-known name as owned by a local endpoint",
 Args: cobra.ExactArgs(1),
 RunE: func(_ *cobra.Command, args []string) error {
 mask, err := parseTransportMask(transports)
 if err != nil {
 return err
 }

 _, err = callUnary[rpc.AdvertiseNameRequest, rpc.AdvertiseNameResponse](
 context.Background(), client, rpc.ProcedureAdvertiseName,
 &rpc.AdvertiseNameRequest{Owner: wire.UniqueName(owner), Name: wire.WellKnownName(args[0]), Mask: mask})
 if err != nil {
 return fmt.Errorf("advertise name: %w", err)
 }

 fmt.Printf("Advertising %s on %s.\n", args[0], mask)
 return nil
 },
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owning endpoint's unique name")
	cmd.Flags().StringVar(&transports, "transports", "any", "comma-separated transport list, or any")
	return cmd
}

func nameCancelAdvertiseCmd() *cobra.Command {
	var (
 owner string
 transports string
	)

	cmd := &cobra.Command{
 Use: "cancel-advertise <well-known-name>",
 Short: "Stop advertising a well-known name",
 Args: cobra.ExactArgs(1),
 RunE: func(_ *cobra.Command, args []string) error {
 mask, err := parseTransportMask(transports)
 if err != nil {
 return err
 }

 _, err = callUnary[rpc.CancelAdvertiseNameRequest, rpc.CancelAdvertiseNameResponse](
 context.Background(), client, rpc.ProcedureCancelAdvertiseName,
 &rpc.CancelAdvertiseNameRequest{Owner: wire.UniqueName(owner), Name: wire.WellKnownName(args[0]), Mask: mask})
 if err != nil {
 return fmt.Errorf("cancel advertise name: %w", err)
 }

 fmt.Printf("Stopped advertising %s on %s.\n", args[0], mask)
 return nil
 },
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owning endpoint's unique name")
	cmd.Flags().StringVar(&transports, "transports", "any", "comma-separated transport list, or any")
	return cmd
}

func nameFindCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
 Use: "find <prefix>",
 Short: "Register interest in well-known names matching a prefix",
 Args: cobra.ExactArgs(1),
 RunE: func(_ *cobra.Command, args []string) error {
 _, err := callUnary[rpc.FindAdvertisedNameRequest, rpc.FindAdvertisedNameResponse](
 context.Background(), client, rpc.ProcedureFindAdvertisedName,
 &rpc.FindAdvertisedNameRequest{Owner: wire.UniqueName(owner), Prefix: args[0]})
 if err != nil {
 return fmt.Errorf("find advertised name: %w", err)
 }

 fmt.Printf("Discovering names matching %q. Use 'busctl monitor' to see matches.\n", args[0])
 return nil
 },
	}

	cmd.Flags().StringVar(&owner, "owner", "", "discovering endpoint's unique name")
	return cmd
}

func nameCancelFindCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
 Use: "cancel-find <prefix>",
 Short: "Cancel interest in well-known names matching a prefix",
 Args: cobra.ExactArgs(1),
 RunE: func(_ *cobra.Command, args []string) error {
 _, err := callUnary[rpc.CancelFindAdvertisedNameRequest, rpc.CancelFindAdvertisedNameResponse](
 context.Background(), client, rpc.ProcedureCancelFindAdvertisedName,
 &rpc.CancelFindAdvertisedNameRequest{Owner: wire.UniqueName(owner), Prefix: args[0]})
 if err != nil {
 return fmt.Errorf("cancel find advertised name: %w", err)
 }

 fmt.Printf("Stopped discovering names matching %q.\n", args[0])
 return nil
 },
	}

	cmd.Flags().StringVar(&owner, "owner", "", "discovering endpoint's unique name")
	return cmd
}
