package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/busd-project/busd/internal/rpc"
	"github.com/busd-project/busd/internal/wire"
)

func monitorCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
 Use: "monitor",
 Short: "Stream signals for a local endpoint",
 Long: "Connects to the busd daemon and streams session/discovery signals for --endpoint until interrupted (Ctrl+C).",
 Args: cobra.NoArgs,
 RunE: func(_ *cobra.Command, _ []string) error {
 ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
 defer stop()

 stream, err := callServerStream[rpc.WatchSignalsRequest, rpc.Signal](
 ctx, client, rpc.ProcedureWatchSignals, &rpc.WatchSignalsRequest{Endpoint: wire.UniqueName(endpoint)})
 if err != nil {
 return fmt.Errorf("watch signals: %w", err)
 }
 defer stream.Close()

 for stream.Receive() {
 out, fmtErr := formatSignal(stream.Msg(), outputFormat)
 if fmtErr != nil {
 return fmt.Errorf("format signal: %w", fmtErr)
 }
 fmt.Println(out)
 }

 if err := stream.Err(); err != nil {
 if errors.Is(err, context.Canceled) {
 return nil
 }
 return fmt.Errorf("stream error: %w", err)
 }

 return nil
 },
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "endpoint's unique name to watch signals for")
	return cmd
}
