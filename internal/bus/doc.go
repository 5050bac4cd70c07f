// Package bus implements the session-and-routing core of the busd daemon:
// the endpoint registry, the session map and join/attach/detach protocol,
// the per-session route table, the advertise/discover registries with their
// TTL-indexed name-discovery cache, and the name-ownership propagation
// protocol between sibling daemons.
//
// Concurrency uses two process-wide locks taken in a strict
// order -- the Registry's name-table lock, then the Controller's state
// lock -- acquired together via Controller.acquireLocks and released in
// reverse. Long-lived references are never raw pointers; callers hold
// wire.UniqueName handles and re-resolve them through the Registry after
// every suspension point (RPC, Connect, socket write, timed wait).
package bus
