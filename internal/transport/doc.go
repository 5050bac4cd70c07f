// Package transport provides concrete bus.LinkTransport and
// bus.RawSocketPump implementations the daemon wires into a
// bus.Controller.
//
// The core (internal/bus) treats transports as external collaborators;
// this package supplies the one plugin busd ships out of the box -- a TCP
// transport that dials a sibling daemon's LinkService to establish a b2b
// link -- plus the raw-session byte pump and the unix socketpair helper
// BindSessionPort's TRAFFIC_RAW_RELIABLE path needs.
package transport
