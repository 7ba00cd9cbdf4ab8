// Package wireaddr wraps btcsuite/btcd/wire.NetAddress with the equality
// and blacklist semantics the hosts store and registries need, so none of
// the rest of this module has to re-derive IP+port comparisons.
package wireaddr

import (
	"net"

	"github.com/btcsuite/btcd/wire"
	"github.com/chaincore/p2pcore/settings"
)

// Address is a peer network endpoint: IP, port, advertised services, and
// a last-seen timestamp. Equality is defined by IP+port only.
type Address struct {
	IP        net.IP
	Port      uint16
	Services  wire.ServiceFlag
	LastSeen  int64 // unix seconds
}

// FromNetAddress builds an Address from a wire.NetAddress.
func FromNetAddress(na *wire.NetAddress) *Address {
	if na == nil {
		return nil
	}
	return &Address{
		IP:       na.IP,
		Port:     na.Port,
		Services: na.Services,
		LastSeen: na.Timestamp.Unix(),
	}
}

// ToNetAddress converts back to the wire representation used on the
// handshake and address-exchange messages.
func (a *Address) ToNetAddress() *wire.NetAddress {
	return wire.NewNetAddressIPPort(a.IP, a.Port, a.Services)
}

// Equal reports whether two addresses share the same IP and port.
func (a *Address) Equal(other *Address) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.Port == other.Port && a.IP.Equal(other.IP)
}

// Key returns a comparable map key for this address's IP+port.
func (a *Address) Key() string {
	return net.JoinHostPort(a.IP.String(), portString(a.Port))
}

// IPKey returns a comparable map key for this address's IP only, used by
// the connection registry's one-channel-per-IP policy.
func (a *Address) IPKey() string {
	return a.IP.String()
}

func portString(p uint16) string {
	const hextable = "0123456789"
	if p == 0 {
		return "0"
	}
	buf := [5]byte{}
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = hextable[p%10]
		p /= 10
	}
	return string(buf[i:])
}

// IsSelf reports whether a matches the configured self address.
func IsSelf(a *Address, self *wire.NetAddress) bool {
	if a == nil || self == nil {
		return false
	}
	return a.Port == self.Port && a.IP.Equal(self.IP)
}

// IsBlacklisted reports whether a is excluded by any blacklist entry.
func IsBlacklisted(a *Address, entries []settings.BlacklistEntry) bool {
	if a == nil {
		return false
	}
	host := a.IP.String()
	for _, e := range entries {
		if e.Host != host {
			// Allow hostnames to be configured by literal IP only;
			// resolving hostnames here would reintroduce the DNS
			// dependency this helper intentionally avoids.
			continue
		}
		if e.Port == 0 || e.Port == a.Port {
			return true
		}
	}
	return false
}
