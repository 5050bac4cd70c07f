package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/busd-project/busd/internal/rpc"
	"github.com/busd-project/busd/internal/wire"
)

// Sentinel errors for CLI validation.
var (
	errHostRequired = errors.New("--host flag is required")
	errUnknownTransport = errors.New("unknown transport, expected local, tcp, udp, bluetooth, or any")
	errUnknownTraffic = errors.New("unknown traffic type, expected messages or raw_reliable")
	errUnknownProximity = errors.New("unknown proximity, expected physical, network, or any")
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
 Use: "session",
 Short: "Bind, join, and leave sessions",
	}

	cmd.AddCommand(sessionBindCmd())
	cmd.AddCommand(sessionUnbindCmd())
	cmd.AddCommand(sessionJoinCmd())
	cmd.AddCommand(sessionLeaveCmd())

	return cmd
}

// --- session bind ---

func sessionBindCmd() *cobra.Command {
	var (
 host string
 port uint16
 traffic string
 proximity string
 transports string
 multipoint bool
	)

	cmd := &cobra.Command{
 Use: "bind",
 Short: "Reserve a session port on a local endpoint",
 Args: cobra.NoArgs,
 RunE: func(_ *cobra.Command, _ []string) error {
 if host == "" {
 return errHostRequired
 }

 opts, err := buildOpts(traffic, proximity, transports, multipoint)
 if err != nil {
 return err
 }

 resp, err := callUnary[rpc.BindSessionPortRequest, rpc.BindSessionPortResponse](
 context.Background(), client, rpc.ProcedureBindSessionPort,
 &rpc.BindSessionPortRequest{Host: wire.UniqueName(host), RequestedPort: port, Opts: opts})
 if err != nil {
 return fmt.Errorf("bind session port: %w", err)
 }

 fmt.Print(formatBindResult(resp, outputFormat))
 return nil
 },
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "", "binding endpoint's unique name (required)")
	flags.Uint16Var(&port, "port", 0, "requested session port, 0 to auto-assign")
	flags.StringVar(&traffic, "traffic", "messages", "traffic type: messages or raw_reliable")
	flags.StringVar(&proximity, "proximity", "any", "proximity: physical, network, or any")
	flags.StringVar(&transports, "transports", "any", "comma-separated transport list, or any")
	flags.BoolVar(&multipoint, "multipoint", false, "allow multiple joiners")

	return cmd
}

// --- session unbind ---

func sessionUnbindCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
 Use: "unbind <port>",
 Short: "Release a session port reservation",
 Args: cobra.ExactArgs(1),
 RunE: func(_ *cobra.Command, args []string) error {
 if host == "" {
 return errHostRequired
 }
 port, err := strconv.ParseUint(args[0], 10, 16)
 if err != nil {
 return fmt.Errorf("parse port %q: %w", args[0], err)
 }

 _, err = callUnary[rpc.UnbindSessionPortRequest, rpc.UnbindSessionPortResponse](
 context.Background(), client, rpc.ProcedureUnbindSessionPort,
 &rpc.UnbindSessionPortRequest{Host: wire.UniqueName(host), Port: uint16(port)})
 if err != nil {
 return fmt.Errorf("unbind session port: %w", err)
 }

 fmt.Printf("Port %d unbound for %s.\n", port, host)
 return nil
 },
	}

	cmd.Flags().StringVar(&host, "host", "", "binding endpoint's unique name (required)")
	return cmd
}

// --- session join ---

func sessionJoinCmd() *cobra.Command {
	var (
 joiner string
 sessHost string
 port uint16
 traffic string
 proximity string
 transports string
 multipoint bool
	)

	cmd := &cobra.Command{
 Use: "join",
 Short: "Join a session bound on a host endpoint (may block)",
 Args: cobra.NoArgs,
 RunE: func(_ *cobra.Command, _ []string) error {
 opts, err := buildOpts(traffic, proximity, transports, multipoint)
 if err != nil {
 return err
 }

 resp, err := callUnary[rpc.JoinSessionRequest, rpc.JoinSessionResponse](
 context.Background(), client, rpc.ProcedureJoinSession,
 &rpc.JoinSessionRequest{
 Joiner: wire.UniqueName(joiner),
 SessionHost: wire.UniqueName(sessHost),
 Port: port,
 Opts: opts,
 })
 if err != nil {
 return fmt.Errorf("join session: %w", err)
 }

 fmt.Print(formatJoinResult(resp, outputFormat))
 return nil
 },
	}

	flags := cmd.Flags()
	flags.StringVar(&joiner, "joiner", "", "joining endpoint's unique name")
	flags.StringVar(&sessHost, "session-host", "", "host endpoint's unique name")
	flags.Uint16Var(&port, "port", 0, "session port to join")
	flags.StringVar(&traffic, "traffic", "messages", "traffic type: messages or raw_reliable")
	flags.StringVar(&proximity, "proximity", "any", "proximity: physical, network, or any")
	flags.StringVar(&transports, "transports", "any", "comma-separated transport list, or any")
	flags.BoolVar(&multipoint, "multipoint", false, "request multipoint membership")

	return cmd
}

// --- session leave ---

func sessionLeaveCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
 Use: "leave <session-id>",
 Short: "Leave a joined session",
 Args: cobra.ExactArgs(1),
 RunE: func(_ *cobra.Command, args []string) error {
 id, err := strconv.ParseUint(args[0], 10, 32)
 if err != nil {
 return fmt.Errorf("parse session id %q: %w", args[0], err)
 }

 _, err = callUnary[rpc.LeaveSessionRequest, rpc.LeaveSessionResponse](
 context.Background(), client, rpc.ProcedureLeaveSession,
 &rpc.LeaveSessionRequest{Endpoint: wire.UniqueName(endpoint), SessionID: uint32(id)})
 if err != nil {
 return fmt.Errorf("leave session: %w", err)
 }

 fmt.Printf("Session %d left.\n", id)
 return nil
 },
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "leaving endpoint's unique name")
	return cmd
}

func buildOpts(traffic, proximity, transports string, multipoint bool) (wire.Opts, error) {
	t, err := parseTraffic(traffic)
	if err != nil {
 return wire.Opts{}, err
	}
	p, err := parseProximity(proximity)
	if err != nil {
 return wire.Opts{}, err
	}
	m, err := parseTransportMask(transports)
	if err != nil {
 return wire.Opts{}, err
	}
	return wire.Opts{Traffic: t, Proximity: p, Transports: m, IsMultipoint: multipoint}, nil
}
