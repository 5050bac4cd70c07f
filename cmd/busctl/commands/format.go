package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/busd-project/busd/internal/rpc"
)

const (
	formatJSON = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatBindResult(resp *rpc.BindSessionPortResponse, format string) string {
	switch format {
	case formatJSON:
 return mustJSON(resp)
	default:
 return fmt.Sprintf("reply: %s\nport: %d\n", resp.Reply, resp.Port)
	}
}

func formatJoinResult(resp *rpc.JoinSessionResponse, format string) string {
	switch format {
	case formatJSON:
 return mustJSON(resp)
	default:
 return fmt.Sprintf("reply: %s\nsession-id: %d\n", resp.Reply, resp.SessionID)
	}
}

func formatSignal(sig *rpc.Signal, format string) (string, error) {
	switch format {
	case formatJSON:
 return mustJSON(sig), nil
	case formatTable:
 return formatSignalTable(sig), nil
	default:
 return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSignalTable(sig *rpc.Signal) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "kind:\t%s\n", sig.Kind)
	switch sig.Kind {
	case rpc.SignalSessionJoined:
 fmt.Fprintf(w, "session-id:\t%d\n", sig.SessionID)
 fmt.Fprintf(w, "joiner:\t%s\n", sig.Joiner)
	case rpc.SignalSessionLost:
 fmt.Fprintf(w, "session-id:\t%d\n", sig.SessionID)
	case rpc.SignalMPSessionChanged:
 fmt.Fprintf(w, "session-id:\t%d\n", sig.SessionID)
 fmt.Fprintf(w, "member:\t%s\n", sig.Member)
 fmt.Fprintf(w, "added:\t%t\n", sig.Added)
	case rpc.SignalFoundAdvertisedName, rpc.SignalLostAdvertisedName:
 fmt.Fprintf(w, "name:\t%s\n", sig.Name)
 fmt.Fprintf(w, "transport:\t%s\n", sig.Transport)
 fmt.Fprintf(w, "bus-addr:\t%s\n", sig.BusAddr)
	case rpc.SignalAcceptRequest:
 fmt.Fprintf(w, "request-id:\t%s\n", sig.RequestID)
 fmt.Fprintf(w, "host:\t%s\n", sig.Host)
 fmt.Fprintf(w, "joiner:\t%s\n", sig.Joiner)
	}

	w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", " ")
	if err != nil {
 return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
