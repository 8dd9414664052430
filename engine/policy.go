package engine

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/metric"
	"github.com/c360/ruuvigw/pkg/cache"
)

// Frame drop reasons, used as the FramesDropped label
const (
	DropBlacklisted    = "blacklisted"
	DropNotWhitelisted = "not_whitelisted"
	DropSampled        = "sampled"
	DropOutOfRange     = "out_of_range"
	DropNotRuuvi       = "not_ruuvi"
)

// macPolicy admits or rejects frames by mac before they are decoded.
type macPolicy struct {
	whitelist        map[string]bool
	blacklistOnError bool

	mu        sync.RWMutex
	blacklist map[string]bool
}

func newMACPolicy(c config.CollectorConfig, tags map[string]string) *macPolicy {
	p := &macPolicy{
		whitelist:        make(map[string]bool, len(c.Whitelist)),
		blacklist:        make(map[string]bool, len(c.Blacklist)),
		blacklistOnError: c.BlacklistOnError,
	}
	for _, mac := range c.Whitelist {
		p.whitelist[mac] = true
	}
	if len(p.whitelist) == 0 && c.WhitelistFromTags {
		for mac := range tags {
			p.whitelist[mac] = true
		}
	}
	for _, mac := range c.Blacklist {
		p.blacklist[mac] = true
	}
	return p
}

// check returns the drop reason for mac, or "" when the frame is admitted.
func (p *macPolicy) check(mac string) string {
	p.mu.RLock()
	blocked := p.blacklist[mac]
	p.mu.RUnlock()

	switch {
	case blocked:
		return DropBlacklisted
	case len(p.whitelist) > 0 && !p.whitelist[mac]:
		return DropNotWhitelisted
	}
	return ""
}

// markFailed blacklists mac after a decode or range failure when learning is enabled and mac is not whitelisted.
// It reports whether mac was newly added.
func (p *macPolicy) markFailed(mac string) bool {
	if !p.blacklistOnError || p.whitelist[mac] {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blacklist[mac] {
		return false
	}
	p.blacklist[mac] = true
	return true
}

// blacklisted returns the blacklist in sorted order.
func (p *macPolicy) blacklisted() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.blacklist))
	for mac := range p.blacklist {
		out = append(out, mac)
	}
	sort.Strings(out)
	return out
}

// sampler enforces a minimum spacing between processed frames of one mac. At most
// maxTracked limiters are kept.
type sampler struct {
	every    time.Duration
	limiters *cache.LRU[*rate.Limiter]
}

func newSampler(every time.Duration, maxTracked int, registry *metric.MetricsRegistry) (*sampler, error) {
	if maxTracked <= 0 {
		maxTracked = config.DefaultMaxTrackedMACs
	}
	limiters, err := cache.NewLRU[*rate.Limiter](maxTracked, cache.WithMetrics[*rate.Limiter](registry, "sampler"))
	if err != nil {
		return nil, err
	}
	return &sampler{every: every, limiters: limiters}, nil
}

// allow reports whether a frame of mac received at now may be processed.
func (s *sampler) allow(mac string, now time.Time) bool {
	if s.every <= 0 {
		return true
	}
	lim := s.limiters.GetOrSet(mac, func() *rate.Limiter {
		return rate.NewLimiter(rate.Every(s.every), 1)
	})
	return lim.AllowN(now, 1)
}
