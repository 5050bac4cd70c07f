package bus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/busd-project/busd/internal/wire"
)

// ErrNothingToCancel indicates a Cancel* call found no matching
// registration for owner.
var ErrNothingToCancel = errors.New("no matching advertise/discover registration")

// AdvertiseName folds (name, owner, mask) into the advertise map, enables
// the newly-covered transports on every matching plugin, and injects a
// self-discoverable record when TRANSPORT_LOCAL is requested.
func (c *Controller) AdvertiseName(ctx context.Context, owner wire.UniqueName, name wire.WellKnownName, mask wire.Transport) error {
	unlock := c.acquireLocks()
	newTransports, err := c.advertise.Add(name, owner, mask)
	unlock()
	if err != nil {
 return err
	}

	for _, t := range c.transports {
 if t.Mask()&newTransports == 0 {
 continue
 }
 if err := t.EnableAdvertisement(ctx, name); err != nil {
 c.logger.Warn("advertise name: enable failed",
 slog.String("name", string(name)), slog.String("error", err.Error()))
 }
	}

	if mask&wire.TransportLocal != 0 {
 c.nameDiscovery.Put(name, c.registry.Guid(), LocalPseudoBusAddr, wire.TransportLocal, InfiniteTTL)
	}
	return nil
}

// CancelAdvertiseName is the inverse of AdvertiseName: clears
// owner's bits, disabling the corresponding transport plugins and flushing
// the self-discoverable record once every advertiser of name is gone.
func (c *Controller) CancelAdvertiseName(ctx context.Context, owner wire.UniqueName, name wire.WellKnownName, mask wire.Transport) error {
	unlock := c.acquireLocks()
	remaining, empty := c.advertise.Remove(name, owner, mask)
	unlock()

	disabled := mask &^ remaining
	for _, t := range c.transports {
 if t.Mask()&disabled == 0 {
 continue
 }
 if err := t.CancelAdvertisement(ctx, name); err != nil {
 c.logger.Warn("cancel advertise name: disable failed",
 slog.String("name", string(name)), slog.String("error", err.Error()))
 }
	}

	if empty && mask&wire.TransportLocal != 0 {
 c.nameDiscovery.Remove(name, c.registry.Guid(), LocalPseudoBusAddr)
	}
	return nil
}

// FindAdvertisedName registers owner as a discoverer of prefix, enables
// remote discovery on first registration, and synthesises catch-up
// FoundAdvertisedName signals for matches already cached.
func (c *Controller) FindAdvertisedName(ctx context.Context, owner wire.UniqueName, prefix string) error {
	unlock := c.acquireLocks()
	first := c.discover.Add(prefix, owner)
	forbidden := c.discover.Forbidden(prefix, owner)
	matches := c.nameDiscovery.MatchPrefix(prefix)
	unlock()

	if first {
 for _, t := range c.transports {
 if err := t.EnableDiscovery(ctx, prefix); err != nil {
 if errors.Is(err, ErrDiscoveryForbidden) {
 unlock := c.acquireLocks()
 c.discover.SetForbidden(prefix, owner, t.Mask())
 unlock()
 continue
 }
 c.logger.Warn("find advertised name: enable discovery failed",
 slog.String("prefix", prefix), slog.String("error", err.Error()))
 }
 }
	}

	for _, m := range matches {
 if m.Record.TransportMask&forbidden != 0 {
 continue
 }
 c.objSys.FoundAdvertisedName(ctx, owner, m.Name, m.Record.TransportMask, m.Record.BusAddr)
	}
	return nil
}

// CancelFindAdvertisedName is the inverse of FindAdvertisedName:
// unregisters owner, disabling remote discovery once prefix has no
// discoverers left.
func (c *Controller) CancelFindAdvertisedName(ctx context.Context, owner wire.UniqueName, prefix string) error {
	unlock := c.acquireLocks()
	empty := c.discover.Remove(prefix, owner)
	unlock()

	if empty {
 for _, t := range c.transports {
 if err := t.CancelDiscovery(ctx, prefix); err != nil {
 c.logger.Warn("cancel find advertised name: disable discovery failed",
 slog.String("prefix", prefix), slog.String("error", err.Error()))
 }
 }
	}
	return nil
}

// ErrDiscoveryForbidden is returned by a LinkTransport.EnableDiscovery
// implementation when platform permission denies owner the requested
// transport.
var ErrDiscoveryForbidden = errors.New("discovery forbidden by platform permission")

// NotifyNameFound delivers a runtime discovery match (as opposed to a
// catch-up scan) to every registered discoverer whose prefix matches name
// and who isn't forbidden from the record's transport, and caches the
// record in the name-discovery map. Transport plugins call this when they
// observe a remote advertisement.
func (c *Controller) NotifyNameFound(ctx context.Context, name wire.WellKnownName, guid, busAddr string, mask wire.Transport, ttlMillis uint32) {
	unlock := c.acquireLocks()
	c.nameDiscovery.Put(name, guid, busAddr, mask, ttlMillis)
	discoverers := c.discover.Discoverers(name)
	unlock()

	for _, d := range discoverers {
 forbidden := c.discover.Forbidden(d.Prefix, d.Owner)
 if mask&forbidden != 0 {
 continue
 }
 c.objSys.FoundAdvertisedName(ctx, d.Owner, name, mask, busAddr)
	}
}

// NotifyNameLost matches the SetLostNameHook signature; install it with
// c.SetLostNameHook(c.NotifyNameLost) to fan LostAdvertisedName out to
// every discoverer whose prefix matches the reaped name. The reaper itself carries no request-scoped context, so this
// uses context.Background for the signal delivery calls.
func (c *Controller) NotifyNameLost(name wire.WellKnownName, rec NameRecord) {
	unlock := c.acquireLocksRead()
	discoverers := c.discover.Discoverers(name)
	unlock()

	ctx := context.Background()
	for _, d := range discoverers {
 c.objSys.LostAdvertisedName(ctx, d.Owner, name, rec.TransportMask, rec.BusAddr)
	}
}
