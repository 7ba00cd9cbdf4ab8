package session

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/chaincore/p2pcore/channel"
	"github.com/chaincore/p2pcore/protocol"
	"github.com/chaincore/p2pcore/status"
)

// Seed is the session that harvests an initial address set from the
// configured DNS seed hosts when the hosts pool comes up empty. Grounded
// on server.go's bootstrap dial pattern, generalized to resolve each
// configured seed hostname via DNS and run a short-lived getaddr
// exchange with every address it resolves to.
type Seed struct {
	fac *Facilities
}

// NewSeed constructs a seed session bound to fac.
func NewSeed(fac *Facilities) *Seed {
	return &Seed{fac: fac}
}

// Start checks whether the hosts pool already has entries; if so the seed
// session is a no-op success. Otherwise it resolves and dials every
// configured seed host in parallel, waits until the exchanges with every
// seed host have finished, and then reports success if the hosts pool is
// non-empty, or peer_throttling if it is still empty. It does not report
// early when the first seed yields addresses.
func (s *Seed) Start(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	s.fac.Hosts.Count(func(n int) {
		if n > 0 {
			s.fac.Pool.Dispatch(func() { cb(nil) })
			return
		}
		s.fac.Pool.Dispatch(func() { s.harvest(cb) })
	})
}

// Stop is a no-op: the seed session owns no long-lived background state
// beyond the dials it has already launched, which self-terminate.
func (s *Seed) Stop() {}

func (s *Seed) harvest(cb func(error)) {
	seeds := s.fac.Settings.Seeds
	if len(seeds) == 0 {
		cb(status.New(status.PeerThrottling))
		return
	}

	var wg sync.WaitGroup
	for _, host := range seeds {
		host := host
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.harvestOne(host)
		}()
	}
	wg.Wait()

	s.fac.Hosts.Count(func(n int) {
		if n > 0 {
			cb(nil)
			return
		}
		cb(status.New(status.PeerThrottling))
	})
}

func (s *Seed) harvestOne(host string) {
	ips, err := resolveSeed(host)
	if err != nil {
		return
	}

	port := int(s.fac.Settings.InboundPort)

	var wg sync.WaitGroup
	for _, ip := range ips {
		ip := ip
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dialOne(net.JoinHostPort(ip.String(), strconv.Itoa(port)))
		}()
	}
	wg.Wait()
}

func (s *Seed) dialOne(address string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fac.Settings.ConnectTimeout)
	defer cancel()

	conn, err := s.fac.dial(ctx, address)
	if err != nil {
		return
	}

	remote := remoteAddress(address, conn)
	ch := channel.New(conn, remote, false, s.fac.Settings, s.fac.Pool, nil)

	version := protocol.NewVersion(ch, s.fac.Settings.Self, s.fac.Height, nil, s.fac.Settings.RelayTransactions)
	ch.Attach(version)
	ch.Attach(protocol.NewSeed(ch, s.fac.Hosts, s.fac.Settings.ChannelGermination))
	version.Start()

	<-ch.Done()
}
