// Package dns resolves the relay target through explicit upstream DNS servers.
package dns

import (
	"context"
	"errors"
	"fmt"
	"geogate/internal/config"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

const (
	defaultQueryTimeout     = 5 * time.Second
	maxDNSCacheTTL          = 1 * time.Hour
	minDNSCacheTTL          = 5 * time.Second
	maxCNAMEDepth           = 10
	cacheCleanupInterval    = 5 * time.Minute
	roundRobinStrategy      = "round_robin"
	randomStrategy          = "random"
	defaultUpstreamStrategy = roundRobinStrategy
)

// ErrNoRecords is returned when an upstream answers without A or AAAA records.
var ErrNoRecords = errors.New("no A or AAAA records found")

// Resolver answers from static records, then its cache, then the upstream servers.
type Resolver struct {
	upstreamServers        []string
	upstreamServerStrategy string
	upstreamServerIndex    int
	queryTimeout           time.Duration
	customRecords          map[string]net.IP
	cache                  sync.Map
	client                 *dns.Client
	mu                     sync.Mutex

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type cacheEntry struct {
	ip      net.IP
	expires time.Time
}

// NewResolver creates a resolver from cfg. It returns nil, nil when no
// upstream servers are configured, leaving resolution to the system.
func NewResolver(cfg config.DNSConfig) (*Resolver, error) {
	if len(cfg.UpstreamServers) == 0 {
		return nil, nil
	}

	queryTimeout := defaultQueryTimeout
	if cfg.QueryTimeout > 0 {
		queryTimeout = time.Duration(cfg.QueryTimeout)
	}

	strategy := strings.ToLower(cfg.UpstreamServerStrategy)
	if strategy != roundRobinStrategy && strategy != randomStrategy {
		if strategy != "" {
			log.Warn().Str("strategy", cfg.UpstreamServerStrategy).Msg("Invalid upstream_server_strategy, defaulting to round_robin")
		}
		strategy = defaultUpstreamStrategy
	}

	r := &Resolver{
		upstreamServers:        cfg.UpstreamServers,
		upstreamServerStrategy: strategy,
		queryTimeout:           queryTimeout,
		customRecords:          make(map[string]net.IP),
		client:                 &dns.Client{Timeout: queryTimeout},
		stopCleanup:            make(chan struct{}),
	}

	for host, ipStr := range cfg.CustomRecords {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP for custom_record '%s'", host)
		}
		r.customRecords[dns.Fqdn(strings.ToLower(host))] = ip
	}

	go r.cleanupLoop(cacheCleanupInterval)
	log.Info().Strs("upstream_servers", r.upstreamServers).Str("strategy", strategy).Msg("Target DNS resolver enabled")
	return r, nil
}

// Close stops the cache cleanup goroutine.
func (r *Resolver) Close() {
	r.stopOnce.Do(func() { close(r.stopCleanup) })
}

// nextUpstream selects an upstream server based on the configured strategy.
func (r *Resolver) nextUpstream() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.upstreamServerStrategy == randomStrategy {
		return r.upstreamServers[rand.Intn(len(r.upstreamServers))]
	}
	server := r.upstreamServers[r.upstreamServerIndex]
	r.upstreamServerIndex = (r.upstreamServerIndex + 1) % len(r.upstreamServers)
	return server
}

func (r *Resolver) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCleanup:
			return
		case now := <-ticker.C:
			r.evictExpired(now)
		}
	}
}

func (r *Resolver) evictExpired(now time.Time) {
	r.cache.Range(func(key, value interface{}) bool {
		if entry, ok := value.(cacheEntry); ok && now.After(entry.expires) {
			r.cache.Delete(key)
			log.Debug().Str("domain", key.(string)).Msg("DNS cache: removed expired entry")
		}
		return true
	})
}

// Resolve returns an address for name, following CNAMEs.
func (r *Resolver) Resolve(ctx context.Context, name string) (net.IP, error) {
	if ip := net.ParseIP(name); ip != nil {
		return ip, nil
	}
	return r.resolve(ctx, name, 0)
}

func (r *Resolver) resolve(ctx context.Context, name string, depth int) (net.IP, error) {
	if depth > maxCNAMEDepth {
		return nil, fmt.Errorf("DNS resolution for %s exceeded max depth of %d", name, maxCNAMEDepth)
	}
	fqdn := dns.Fqdn(strings.ToLower(name))

	if ip, ok := r.customRecords[fqdn]; ok {
		log.Debug().Str("domain", name).IPAddr("ip", ip).Msg("DNS resolver: answered from custom records")
		return ip, nil
	}

	if val, ok := r.cache.Load(fqdn); ok {
		if entry, ok := val.(cacheEntry); ok && time.Now().Before(entry.expires) {
			log.Debug().Str("domain", name).IPAddr("ip", entry.ip).Msg("DNS resolver: answered from cache")
			return entry.ip, nil
		}
	}

	return r.lookupUpstream(ctx, fqdn, depth)
}

type answer struct {
	ip    net.IP
	ttl   time.Duration
	cname string
	err   error
}

// lookupUpstream queries one upstream for A and AAAA concurrently and returns
// the first address found. A is preferred when both arrive.
func (r *Resolver) lookupUpstream(ctx context.Context, fqdn string, depth int) (net.IP, error) {
	upstream := r.nextUpstream()
	queryTypes := []uint16{dns.TypeA, dns.TypeAAAA}
	results := make(chan answer, len(queryTypes))

	var wg sync.WaitGroup
	wg.Add(len(queryTypes))
	for _, qType := range queryTypes {
		go func(qType uint16) {
			defer wg.Done()
			results <- r.query(ctx, upstream, fqdn, qType)
		}(qType)
	}
	wg.Wait()
	close(results)

	var (
		best     *answer
		cname    string
		firstErr error
	)
	for res := range results {
		res := res
		switch {
		case res.err != nil:
			if firstErr == nil {
				firstErr = res.err
			}
		case res.ip != nil:
			if best == nil || res.ip.To4() != nil {
				best = &res
			}
		case res.cname != "":
			cname = res.cname
		}
	}

	if best != nil {
		ttl := best.ttl
		if ttl > maxDNSCacheTTL {
			ttl = maxDNSCacheTTL
		}
		if ttl < minDNSCacheTTL {
			ttl = minDNSCacheTTL
		}
		r.cache.Store(fqdn, cacheEntry{ip: best.ip, expires: time.Now().Add(ttl)})
		log.Debug().Str("domain", fqdn).IPAddr("ip", best.ip).Str("upstream", upstream).Msg("DNS resolver: answered from upstream")
		return best.ip, nil
	}
	if cname != "" {
		log.Debug().Str("domain", fqdn).Str("cname", cname).Msg("DNS resolver: found CNAME, resolving recursively")
		return r.resolve(ctx, cname, depth+1)
	}
	if firstErr != nil {
		log.Warn().Err(firstErr).Str("domain", fqdn).Str("upstream", upstream).Msg("DNS upstream lookup failed")
		return nil, firstErr
	}
	return nil, fmt.Errorf("%s: %w", strings.TrimSuffix(fqdn, "."), ErrNoRecords)
}

func (r *Resolver) query(ctx context.Context, upstream, fqdn string, qType uint16) answer {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qType)

	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	resp, _, err := r.client.ExchangeContext(queryCtx, msg, upstream)
	if err != nil {
		return answer{err: fmt.Errorf("upstream DNS query for %s [%s] failed: %w", fqdn, dns.TypeToString[qType], err)}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return answer{err: fmt.Errorf("upstream DNS query for %s [%s] returned %s", fqdn, dns.TypeToString[qType], dns.RcodeToString[resp.Rcode])}
	}

	var cname string
	for _, rr := range resp.Answer {
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		switch v := rr.(type) {
		case *dns.A:
			return answer{ip: v.A, ttl: ttl}
		case *dns.AAAA:
			return answer{ip: v.AAAA, ttl: ttl}
		case *dns.CNAME:
			cname = v.Target
		}
	}
	return answer{cname: cname}
}
