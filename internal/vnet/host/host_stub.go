//go:build !unix

package host

import (
	"log/slog"
	"net/netip"

	"github.com/wasnet/wasnet/internal/vnet"
)

// Net is a placeholder on platforms without Unix datagram sockets. Every
// operation reports vnet.ErrNotSupported.
type Net struct {
	log *slog.Logger
}

var (
	_ vnet.Networking = (*Net)(nil)
	_ vnet.Egress     = (*Net)(nil)
)

// New constructs the placeholder backend.
func New(logger *slog.Logger) *Net {
	return &Net{log: logger}
}

// Close implements io.Closer.
func (n *Net) Close() error { return nil }

func (n *Net) RouteAdd(vnet.Route) error                  { return vnet.ErrNotSupported }
func (n *Net) RouteRemove(netip.Prefix) error             { return vnet.ErrNotSupported }
func (n *Net) RouteClear() error                          { return vnet.ErrNotSupported }
func (n *Net) RouteResolve(netip.Addr) (vnet.Route, bool) { return vnet.Route{}, false }
func (n *Net) Routes() []vnet.Route                       { return nil }
func (n *Net) SweepExpired() int                          { return 0 }
func (n *Net) AddrAdd(netip.Prefix) error                 { return vnet.ErrNotSupported }
func (n *Net) AddrRemove(netip.Addr) error                { return vnet.ErrNotSupported }
func (n *Net) AddrClear() error                           { return vnet.ErrNotSupported }
func (n *Net) Addrs() []netip.Prefix                      { return nil }
func (n *Net) MAC() ([6]byte, error)                      { return [6]byte{}, vnet.ErrNotSupported }
func (n *Net) SetPromiscuous(bool) error                  { return vnet.ErrNotSupported }
func (n *Net) Promiscuous() (bool, error)                 { return false, vnet.ErrNotSupported }
func (n *Net) AcquireDHCP() error                         { return vnet.ErrNotSupported }
func (n *Net) SocketOpen(vnet.Family) (vnet.Conn, error)  { return nil, vnet.ErrNotSupported }
func (n *Net) LookupHost(string) ([]netip.Addr, error)    { return nil, vnet.ErrNotSupported }

func (n *Net) ForwardDatagram(src, dst netip.AddrPort, via netip.Addr, payload []byte) error {
	return vnet.ErrNotSupported
}
