package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/busd-project/busd/internal/bus"
)

// pumpChunkSize is the buffer size used when a middle-man daemon shovels
// bytes between two raw fds it does not otherwise interpret.
const pumpChunkSize = 4096

// IOPump implements bus.RawSocketPump with a pair of io.CopyBuffer
// goroutines, one per direction. It is the concrete collaborator the
// Controller's raw-session plumbing drives: a middle-man splicing two
// neighbouring link streams, or a host-side adopter splicing the joiner's
// stream onto the local socketpair.
type IOPump struct {
	logger *slog.Logger
}

// NewIOPump constructs an IOPump.
func NewIOPump(logger *slog.Logger) *IOPump {
	return &IOPump{logger: logger.With(slog.String("component", "transport.pump"))}
}

// verify bus.RawSocketPump compliance at compile time.
var _ bus.RawSocketPump = (*IOPump)(nil)

// Pump copies bytes between fds a and b until either side closes, an I/O
// error occurs, or ctx is cancelled. Both fds are closed before Pump
// returns.
func (p *IOPump) Pump(ctx context.Context, a, b int) error {
	fa := os.NewFile(uintptr(a), fmt.Sprintf("rawfd-%d", a))
	fb := os.NewFile(uintptr(b), fmt.Sprintf("rawfd-%d", b))
	defer fa.Close()
	defer fb.Close()

	done := make(chan error, 2)
	go func() { done <- copyDirection(fb, fa) }()
	go func() { done <- copyDirection(fa, fb) }()

	select {
	case err := <-done:
 <-done
 if err != nil && err != io.EOF {
 return fmt.Errorf("raw session pump: %w", err)
 }
 return nil
	case <-ctx.Done():
 return ctx.Err()
	}
}

func copyDirection(dst, src *os.File) error {
	buf := make([]byte, pumpChunkSize)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}
