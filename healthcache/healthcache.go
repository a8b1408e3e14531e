// Package healthcache implements the in-memory health cache and its
// background refresher. It is the single owner of the
// label -> HealthInfo map; the Pipeline only ever reads a snapshot.
package healthcache

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/almazom/kmi-rotor/registry"
	"github.com/almazom/kmi-rotor/state"
	"github.com/almazom/kmi-rotor/usage"
)

// Fetcher retrieves the raw usage payload for a credential. Production
// code wires this to an HTTP GET against <base_url>/usages; tests
// supply a stub.
type Fetcher interface {
	FetchUsage(ctx context.Context, cred registry.Credential) ([]byte, error)
}

// Config carries the refresher's cadence knobs.
type Config struct {
	UsageCacheInterval        time.Duration
	BlocklistRecheckInterval  time.Duration
	BlocklistRecheckMax       int
	RequireUsageBeforeRequest bool
	FailOpenOnEmptyCache      bool
	FetchTimeout              time.Duration

	// FetchRatePerSecond caps how many usage-fetch requests the
	// refresher issues per second during a fan-out refresh, so a large
	// registry doesn't burst the upstream with simultaneous health
	// probes. Zero or negative disables the cap.
	FetchRatePerSecond float64
}

// Cache is the process-wide health cache, constructed once and passed
// by reference, never copied as a free-floating global.
type Cache struct {
	mu                   sync.RWMutex
	entries              map[string]usage.Info
	cacheTS              time.Time
	blocklistRecheckTS   time.Time

	cfg      Config
	reg      *registry.Registry
	st       *state.Store
	fetcher  Fetcher
	log      *logrus.Logger
	fetchLim *rate.Limiter

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Cache. It performs no I/O until Start is called.
func New(cfg Config, reg *registry.Registry, st *state.Store, fetcher Fetcher, log *logrus.Logger) *Cache {
	c := &Cache{
		entries: make(map[string]usage.Info),
		cfg:     cfg,
		reg:     reg,
		st:      st,
		fetcher: fetcher,
		log:     log,
	}
	if cfg.FetchRatePerSecond > 0 {
		c.fetchLim = rate.NewLimiter(rate.Limit(cfg.FetchRatePerSecond), 1)
	}
	return c
}

// Snapshot returns a read-only copy of the current cache, safe to pass
// into rotation selection without holding the cache's own lock. It is
// nil when the cache has never been populated, distinguishing "empty"
// from "known-empty" for fail-open-on-empty-cache handling.
func (c *Cache) Snapshot() map[string]usage.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return nil
	}
	out := make(map[string]usage.Info, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// EffectiveHealth applies strict/fail-open policy ("Strict
// mode") on top of a raw snapshot, for use by rotation's selection
// call. When RequireUsageBeforeRequest is set, labels missing from the
// cache are treated as ineligible by simply not appearing in the
// returned map combined with a non-nil sentinel so callers distinguish
// "absent=ineligible" from "absent=unknown".
func (c *Cache) EffectiveHealth() (health map[string]usage.Info, strict bool) {
	snap := c.Snapshot()
	if snap == nil {
		if c.cfg.FailOpenOnEmptyCache {
			return nil, false
		}
		return map[string]usage.Info{}, c.cfg.RequireUsageBeforeRequest
	}
	return snap, c.cfg.RequireUsageBeforeRequest
}

func (c *Cache) set(label string, info usage.Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[label] = info
}

// Start launches the single background refresh loop
func (c *Cache) Start(ctx context.Context) {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.loop(ctx)
}

// Stop signals the refresh loop to exit and waits for it.
func (c *Cache) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

func (c *Cache) loop(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick performs one refresh-loop iteration: a full fan-out fetch when
// the usage cache has gone stale, then a bounded re-probe of blocked
// keys when the blocklist recheck interval has elapsed. A single
// failed fetch must never abort the tick.
func (c *Cache) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && c.log != nil {
			c.log.Errorf("healthcache: refresh tick panicked: %v", r)
		}
	}()

	now := time.Now()

	c.mu.RLock()
	staleUsage := now.Sub(c.cacheTS) >= c.cfg.UsageCacheInterval
	staleBlocklist := now.Sub(c.blocklistRecheckTS) >= c.cfg.BlocklistRecheckInterval
	c.mu.RUnlock()

	if staleUsage {
		c.refreshAll(ctx)
		c.mu.Lock()
		c.cacheTS = now
		c.mu.Unlock()
		c.st.WithLock(func(d *state.Data) {
			t := now
			d.LastHealthRefreshAt = &t
		})
		c.st.MarkDirty()
	}

	if staleBlocklist {
		c.recheckBlocked(ctx, now)
		c.mu.Lock()
		c.blocklistRecheckTS = now
		c.mu.Unlock()
	}
}

func (c *Cache) refreshAll(ctx context.Context) {
	for _, cred := range c.reg.All() {
		if c.fetchLim != nil {
			if err := c.fetchLim.Wait(ctx); err != nil {
				return
			}
		}
		info, err := c.fetchAndScore(ctx, cred)
		if err != nil {
			if c.log != nil {
				c.log.WithError(err).Debugf("healthcache: usage refresh failed for %s", registry.MaskKey(cred.Secret))
			}
			continue
		}
		c.set(cred.Label, info)
	}
}

func (c *Cache) fetchAndScore(ctx context.Context, cred registry.Credential) (usage.Info, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	body, err := c.fetcher.FetchUsage(fetchCtx, cred)
	if err != nil {
		return usage.Info{}, err
	}
	u := usage.Parse(body)

	var ks *state.KeyState
	blocked, exhausted := false, false
	c.st.WithLock(func(d *state.Data) {
		if k, ok := d.Keys[cred.Label]; ok {
			snapshot := *k
			ks = &snapshot
		}
	})
	now := time.Now()
	if ks != nil {
		blocked = ks.BlockedReason != "" && (ks.BlockedUntil == nil || now.Before(*ks.BlockedUntil))
		exhausted = ks.ExhaustedUntil != nil && now.Before(*ks.ExhaustedUntil)
	}

	in := usage.ScoreInput{Usage: &u, Exhausted: exhausted, Blocked: blocked}
	var healthErrRate float64
	if ks != nil {
		in.Err401, in.Err403, in.Err429, in.Err5xx = ks.Err401, ks.Err403, ks.Err429, ks.Err5xx
		in.RequestCount = ks.RequestCount
		healthErrRate = ks.ErrorRateForHealth()
	}
	return usage.BuildInfo(in, healthErrRate), nil
}

// HTTPFetcher is the production Fetcher, hitting
// "<base_url>/usages" with "Authorization: Bearer <secret>".
type HTTPFetcher struct {
	Client         *http.Client
	UpstreamBase   string
}

// FetchUsage implements Fetcher.
func (f HTTPFetcher) FetchUsage(ctx context.Context, cred registry.Credential) ([]byte, error) {
	base := cred.BaseURL
	if base == "" {
		base = f.UpstreamBase
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/usages", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Secret)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	return buf, nil
}

// recheckBlocked re-probes up to BlocklistRecheckMax currently-blocked
// labels, oldest blocked_until first, ties broken by label. A
// successful fetch clears the block for that label.
func (c *Cache) recheckBlocked(ctx context.Context, now time.Time) {
	type candidate struct {
		label string
		until time.Time
	}
	var candidates []candidate

	c.st.WithLock(func(d *state.Data) {
		for _, cred := range c.reg.All() {
			ks, ok := d.Keys[cred.Label]
			if !ok || ks.BlockedReason == "" {
				continue
			}
			if ks.BlockedUntil != nil && !now.Before(*ks.BlockedUntil) {
				continue
			}
			until := time.Time{}
			if ks.BlockedUntil != nil {
				until = *ks.BlockedUntil
			}
			candidates = append(candidates, candidate{label: cred.Label, until: until})
		}
	})

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].until.Equal(candidates[j].until) {
			return candidates[i].until.Before(candidates[j].until)
		}
		return candidates[i].label < candidates[j].label
	})

	if len(candidates) > c.cfg.BlocklistRecheckMax {
		candidates = candidates[:c.cfg.BlocklistRecheckMax]
	}

	for _, cand := range candidates {
		cred, ok := c.reg.Lookup(cand.label)
		if !ok {
			continue
		}
		if c.fetchLim != nil {
			if err := c.fetchLim.Wait(ctx); err != nil {
				return
			}
		}
		info, err := c.fetchAndScore(ctx, cred)
		if err != nil {
			if c.log != nil {
				c.log.WithError(err).Debugf("healthcache: blocklist recheck failed for %s", registry.MaskKey(cred.Secret))
			}
			continue
		}
		c.set(cand.label, info)
		c.st.ClearBlock(cand.label)
		c.st.MarkDirty()
	}
}
