// Package hosts implements the bounded, de-duplicated, persisted pool of
// candidate peer addresses described in spec.md §4.2. Every operation runs
// as a task on the shared worker pool and touches the store's state only
// under a single mutex, so callers never race each other, matching the
// mutex-plus-pool discipline the registries follow.
package hosts

import (
	"errors"
	"math/rand"
	"sync"

	goerrors "github.com/go-errors/errors"
	"github.com/chaincore/p2pcore/pool"
	"github.com/chaincore/p2pcore/settings"
	"github.com/chaincore/p2pcore/wireaddr"
)

// Errors returned to completion callbacks.
var (
	ErrNotFound       = errors.New("address_not_found")
	ErrFileSystem     = errors.New("file_system")
	ErrServiceStopped = errors.New("service_stopped")
)

// Store is the persisted, bounded address pool.
type Store struct {
	settings settings.Settings
	pool     *pool.Pool

	mu       sync.Mutex
	entries  map[string]*entry
	order    []string // insertion order, oldest first, for capacity eviction
	stopped  bool
}

type entry struct {
	addr         *wireaddr.Address
	recentlyUsed bool
}

// New constructs a Store bound to the given settings and worker pool.
func New(s settings.Settings, p *pool.Pool) *Store {
	return &Store{
		settings: s,
		pool:     p,
		entries:  make(map[string]*entry),
	}
}

// Load reads the persisted list from settings.HostsFile. A missing file
// loads as an empty pool and completes with nil; an unreadable or corrupt
// file is reported through cb, and the coordinator's start sequence
// surfaces that error as the result of Start.
func (s *Store) Load(cb func(error)) {
	s.pool.Dispatch(func() {
		addrs, err := readHostsFile(s.settings.HostsFile)
		if err != nil {
			log.Errorf("hosts: load failed: %s", goerrors.Wrap(err, 1).ErrorStack())
			s.pool.ConcurrentDelegate(func() { cb(err) })()
			return
		}

		s.mu.Lock()
		for _, a := range addrs {
			_ = s.storeLocked(a)
		}
		s.mu.Unlock()

		log.Infof("hosts: loaded %d addresses from %s", len(addrs), s.settings.HostsFile)
		s.pool.ConcurrentDelegate(func() { cb(nil) })()
	})
}

// Save persists the current set atomically (write to a temp file, then
// rename over the target).
func (s *Store) Save(cb func(error)) {
	s.pool.Dispatch(func() {
		s.mu.Lock()
		addrs := make([]*wireaddr.Address, 0, len(s.entries))
		for _, e := range s.entries {
			addrs = append(addrs, e.addr)
		}
		s.mu.Unlock()

		err := writeHostsFileAtomic(s.settings.HostsFile, addrs)
		if err != nil {
			log.Errorf("hosts: save failed: %s", goerrors.Wrap(err, 1).ErrorStack())
		}
		if cb != nil {
			s.pool.ConcurrentDelegate(func() { cb(err) })()
		}
	})
}

// Store inserts a single address, evicting the oldest entry if at
// capacity. self and blacklisted addresses are rejected.
func (s *Store) Store(addr *wireaddr.Address, cb func(error)) {
	s.pool.Dispatch(func() {
		s.mu.Lock()
		err := s.storeLocked(addr)
		s.mu.Unlock()
		if cb != nil {
			s.pool.ConcurrentDelegate(func() { cb(err) })()
		}
	})
}

// StoreList inserts a batch of addresses; each is evaluated independently
// against capacity/blacklist/self rules. Individual rejects are silent, as
// the spec requires for gossip-sourced addresses.
func (s *Store) StoreList(addrs []*wireaddr.Address, cb func(error)) {
	s.pool.Dispatch(func() {
		s.mu.Lock()
		for _, a := range addrs {
			_ = s.storeLocked(a)
		}
		s.mu.Unlock()
		if cb != nil {
			s.pool.ConcurrentDelegate(func() { cb(nil) })()
		}
	})
}

func (s *Store) storeLocked(addr *wireaddr.Address) error {
	if s.stopped {
		return ErrServiceStopped
	}
	if addr == nil {
		return nil
	}
	if wireaddr.IsSelf(addr, s.settings.Self) {
		return nil
	}
	if wireaddr.IsBlacklisted(addr, s.settings.Blacklists) {
		return nil
	}

	key := addr.Key()
	if _, exists := s.entries[key]; exists {
		s.entries[key] = &entry{addr: addr}
		return nil
	}

	if s.settings.HostPoolCapacity > 0 && len(s.entries) >= s.settings.HostPoolCapacity {
		s.evictOldestLocked()
	}

	s.insertLocked(addr)
	return nil
}

func (s *Store) insertLocked(addr *wireaddr.Address) {
	key := addr.Key()
	if _, exists := s.entries[key]; !exists {
		s.order = append(s.order, key)
	}
	s.entries[key] = &entry{addr: addr}
}

func (s *Store) evictOldestLocked() {
	for len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if _, ok := s.entries[oldest]; ok {
			delete(s.entries, oldest)
			return
		}
	}
}

// Remove deletes addr if present. Always succeeds.
func (s *Store) Remove(addr *wireaddr.Address, cb func(error)) {
	s.pool.Dispatch(func() {
		s.mu.Lock()
		delete(s.entries, addr.Key())
		s.mu.Unlock()
		if cb != nil {
			s.pool.ConcurrentDelegate(func() { cb(nil) })()
		}
	})
}

// Fetch returns one address chosen uniformly at random from non-recently
// used entries, marking it recently-used so repeated fetches cycle through
// the pool instead of hammering one address.
func (s *Store) Fetch(cb func(*wireaddr.Address, error)) {
	s.pool.Dispatch(func() {
		s.mu.Lock()
		addr, err := s.fetchLocked()
		s.mu.Unlock()
		s.pool.ConcurrentDelegate(func() { cb(addr, err) })()
	})
}

func (s *Store) fetchLocked() (*wireaddr.Address, error) {
	candidates := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.recentlyUsed {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		if len(s.entries) == 0 {
			return nil, ErrNotFound
		}
		// Every entry has been recently used; reset and retry once.
		for _, e := range s.entries {
			e.recentlyUsed = false
			candidates = append(candidates, e)
		}
	}

	chosen := candidates[rand.Intn(len(candidates))]
	chosen.recentlyUsed = true
	return chosen.addr, nil
}

// Sample returns up to n addresses chosen uniformly at random without
// replacement, used by the address protocol to answer a get_addresses
// request. It does not affect the recently-used bookkeeping Fetch uses.
func (s *Store) Sample(n int, cb func([]*wireaddr.Address)) {
	s.pool.Dispatch(func() {
		s.mu.Lock()
		all := make([]*wireaddr.Address, 0, len(s.entries))
		for _, e := range s.entries {
			all = append(all, e.addr)
		}
		s.mu.Unlock()

		rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
		if n < len(all) {
			all = all[:n]
		}
		s.pool.ConcurrentDelegate(func() { cb(all) })()
	})
}

// Count returns the current size of the store.
func (s *Store) Count(cb func(int)) {
	s.pool.Dispatch(func() {
		s.mu.Lock()
		n := len(s.entries)
		s.mu.Unlock()
		s.pool.ConcurrentDelegate(func() { cb(n) })()
	})
}

// Stop marks the store closed; subsequent Store/StoreList calls fail with
// ErrServiceStopped.
func (s *Store) Stop() {
	s.pool.Dispatch(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	})
}
