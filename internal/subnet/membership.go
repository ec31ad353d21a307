package subnet

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/prediction-subnet/internal/models"
)

const minRefresh = 5 * time.Second

// ModuleLister returns the modules registered on a subnet.
type ModuleLister interface {
	Modules(ctx context.Context, netuid int) ([]models.Module, error)
}

// Membership answers "is this key registered on netuid" from a TTL cache of module lists,
// so the miner does not hit the registry on every request.
type Membership struct {
	lister ModuleLister
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu      sync.Mutex
	entries map[int]membershipEntry
}

type membershipEntry struct {
	keys      map[string]struct{}
	fetchedAt time.Time
}

// NewMembership creates a membership cache over lister.
func NewMembership(lister ModuleLister, ttl time.Duration) *Membership {
	return &Membership{
		lister:  lister,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int]membershipEntry),
	}
}

// IsRegistered reports whether key is a registered module of netuid.
func (m *Membership) IsRegistered(ctx context.Context, netuid int, key string) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[netuid]
	m.mu.Unlock()
	if ok {
		age := m.now().Sub(e.fetchedAt)
		_, found := e.keys[key]
		if found && age < m.ttl {
			return true, nil
		}
		// Unknown keys refresh early, at most once per minRefresh, so new validators
		// are accepted without waiting out the full TTL.
		if !found && age < minRefresh && age < m.ttl {
			return false, nil
		}
	}

	v, err, _ := m.group.Do(stringKey(netuid), func() (any, error) {
		mods, err := m.lister.Modules(ctx, netuid)
		if err != nil {
			return nil, err
		}
		keys := make(map[string]struct{}, len(mods))
		for _, mod := range mods {
			keys[mod.Key] = struct{}{}
		}
		m.mu.Lock()
		m.entries[netuid] = membershipEntry{keys: keys, fetchedAt: m.now()}
		m.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return false, err
	}
	_, found := v.(map[string]struct{})[key]
	return found, nil
}

func stringKey(netuid int) string {
	return "netuid:" + strconv.Itoa(netuid)
}
