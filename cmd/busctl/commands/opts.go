package commands

import (
	"fmt"

	"github.com/busd-project/busd/internal/wire"
)

// parseTransportMask delegates to wire.ParseTransport, rewrapping its error
// in this package's sentinel so callers can errors.Is against errUnknownTransport.
func parseTransportMask(s string) (wire.Transport, error) {
	mask, err := wire.ParseTransport(s)
	if err != nil {
 return 0, fmt.Errorf("%w", errUnknownTransport)
	}
	return mask, nil
}

// parseTraffic delegates to wire.ParseTraffic.
func parseTraffic(s string) (wire.Traffic, error) {
	t, err := wire.ParseTraffic(s)
	if err != nil {
 return 0, fmt.Errorf("%w", errUnknownTraffic)
	}
	return t, nil
}

// parseProximity delegates to wire.ParseProximity.
func parseProximity(s string) (wire.Proximity, error) {
	p, err := wire.ParseProximity(s)
	if err != nil {
 return 0, fmt.Errorf("%w", errUnknownProximity)
	}
	return p, nil
}
