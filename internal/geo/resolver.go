package geo

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/koltyakov/visitid/internal/domain"
	"github.com/koltyakov/visitid/internal/ipaddr"
	"github.com/koltyakov/visitid/internal/metrics"
)

// Location is the provider-neutral lookup result.
type Location struct {
	Country string
	Region  string
	City    string
}

// Provider is one source in the tier-2 lookup chain. Lookup must honor the
// context deadline; any failure is soft and moves the resolver to the next
// provider.
type Provider interface {
	Name() string
	Confidence() int
	Lookup(ctx context.Context, ip string) (Location, error)
}

// Per-tier confidence values. Acceptance works top-down: a tier's result is
// final once it clears its own threshold, otherwise the next tier runs.
const (
	edgeFullConfidence    = 95
	edgePartialConfidence = 80
	internalConfidence    = 70
	languageConfidence    = 65
	languageLowConfidence = 55
	defaultConfidence     = 50

	edgeAcceptThreshold = 90
)

// internalLocation is the fixed development-environment value private and
// loopback IPs resolve to without touching any provider.
var internalLocation = Location{Country: "United States", Region: "California", City: "San Francisco"}

// defaultLocation is the tier-4 static fallback, reached only when IP
// resolution itself failed.
var defaultLocation = Location{Country: "United States"}

// Resolver runs the tiered resolution state machine. All results flow
// through the cache, so repeat requests for one IP class skip the provider
// chain entirely within TTL.
type Resolver struct {
	cache     *Cache
	providers []Provider
	timeout   time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewResolver wires a resolver over the given cache and provider chain.
// Providers are consulted in order; pass them cheapest-first.
func NewResolver(cache *Cache, providers []Provider, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		cache:     cache,
		providers: providers,
		timeout:   timeout,
		log:       logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Resolve produces a GeoResolution for the request. It never fails; the
// worst case is the low-confidence static default.
func (r *Resolver) Resolve(ctx context.Context, ip ipaddr.Resolution, h http.Header) domain.GeoResolution {
	// IP resolution failed outright: static default, nothing else to go
	// on. Never cached, so dev traffic that did resolve a loopback IP is
	// not served this guess and vice versa.
	if ip.Source == "fallback" {
		res := withLocation(r.base(ip), defaultLocation, defaultConfidence, domain.GeoSourceDefault)
		r.metrics.GeoTierResult(res.Source)
		return res
	}

	// Edge headers are free to read, so a complete trusted triple is
	// evaluated before the cache: it must not be masked by a weaker
	// resolution cached earlier for the same subnet.
	edge := edgeLocation(h)
	edgeComplete := edge.Country != "" && edge.Region != "" && edge.City != "" && !ipaddr.IsPrivate(ip.IP)

	if cached, ok := r.cache.Get(ip.IP); ok {
		if !edgeComplete || cached.Confidence >= edgeFullConfidence {
			// The cache is keyed by subnet; re-anchor the entry to the
			// requesting IP so one client's hash never leaks into a
			// neighbor's fingerprint.
			cached.IP = ip.IP
			cached.IPHash = ipaddr.Hash(ip.IP)
			return cached
		}
	}

	res := r.resolve(ctx, ip, edge, h)
	r.metrics.GeoTierResult(res.Source)
	if err := r.cache.Set(ip.IP, res); err != nil {
		r.log.Debug("geo resolution not cached", "ip_key", CacheKey(ip.IP), "confidence", res.Confidence)
	}
	return res
}

func (r *Resolver) base(ip ipaddr.Resolution) domain.GeoResolution {
	return domain.GeoResolution{
		IP:        ip.IP,
		IPHash:    ipaddr.Hash(ip.IP),
		Timestamp: r.now(),
	}
}

func (r *Resolver) resolve(ctx context.Context, ip ipaddr.Resolution, edge Location, h http.Header) domain.GeoResolution {
	base := r.base(ip)

	// Private/loopback traffic short-circuits to the fixed development
	// value; external providers cannot say anything useful about it.
	if ipaddr.IsPrivate(ip.IP) {
		return withLocation(base, internalLocation, internalConfidence, domain.GeoSourceInternal)
	}

	// Tier 1: trusted edge-platform headers.
	if edge.Country != "" && edge.Region != "" && edge.City != "" {
		return withLocation(base, edge, edgeFullConfidence, domain.GeoSourceEdgeHeaders)
	}
	trustedCountry := edge.Country // partial: keep the country, try to complete below

	// Tier 2: provider chain, sequential, individually time-bounded.
	for _, p := range r.providers {
		loc, err := r.lookupOne(ctx, p, ip.IP)
		if err != nil {
			r.metrics.GeoProviderFailure(p.Name())
			r.log.Debug("geo provider failed", "provider", p.Name(), "err", err)
			continue
		}
		confidence := p.Confidence()
		if trustedCountry != "" {
			// The edge country outranks any provider; only region/city
			// are taken from the provider payload.
			loc.Country = trustedCountry
			if confidence < edgePartialConfidence {
				confidence = edgePartialConfidence
			}
		}
		return withLocation(base, loc, confidence, p.Name())
	}

	// All providers failed; a trusted country alone still beats heuristics.
	if trustedCountry != "" {
		return withLocation(base, Location{Country: trustedCountry}, edgePartialConfidence, domain.GeoSourceEdgeHeaders)
	}

	// Tier 3: Accept-Language heuristic. Never fails.
	loc, known := locationForLanguage(h.Get("Accept-Language"))
	confidence := languageConfidence
	if !known {
		confidence = languageLowConfidence
	}
	return withLocation(base, loc, confidence, domain.GeoSourceLanguage)
}

func (r *Resolver) lookupOne(ctx context.Context, p Provider, ip string) (Location, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	loc, err := p.Lookup(ctx, ip)
	if err != nil {
		return Location{}, err
	}
	if loc.Country == "" || strings.EqualFold(loc.Country, "unknown") {
		return Location{}, &domain.LookupError{Provider: p.Name(), IP: ip, Err: domain.ErrProviderUnavailable}
	}
	return loc, nil
}

func withLocation(base domain.GeoResolution, loc Location, confidence int, source string) domain.GeoResolution {
	base.Country = loc.Country
	base.Region = loc.Region
	base.City = loc.City
	base.Confidence = confidence
	base.Source = source
	return base
}

// edgeLocation reads the trusted geo headers the hosting platform injects.
// Vercel URL-encodes city names; decoding is best-effort.
func edgeLocation(h http.Header) Location {
	country := strings.TrimSpace(h.Get("X-Vercel-IP-Country"))
	if country == "" {
		country = strings.TrimSpace(h.Get("CF-IPCountry"))
	}
	if strings.EqualFold(country, "xx") {
		country = ""
	}
	loc := Location{
		Country: country,
		Region:  strings.TrimSpace(h.Get("X-Vercel-IP-Country-Region")),
		City:    strings.TrimSpace(h.Get("X-Vercel-IP-City")),
	}
	if decoded, err := url.QueryUnescape(loc.City); err == nil {
		loc.City = decoded
	}
	return loc
}
