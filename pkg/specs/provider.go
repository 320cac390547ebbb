// Package specs resolves hardware tier names to concrete resource profiles.
// Tiers are fetched from the catalog service and cached with a TTL; when the
// catalog is unreachable the provider serves the previous cache (stale) or a
// built-in fallback table, so tier resolution never fails outright.
package specs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atelier-sh/atelier/pkg/telemetry"
)

// ErrTierNotFound is returned when a tier name is not present in the catalog.
var ErrTierNotFound = errors.New("unknown hardware tier")

// HardwareSpec describes a hardware tier's resource profile.
type HardwareSpec struct {
	Tier          string   `json:"tier"`
	DisplayName   string   `json:"display_name"`
	Architecture  string   `json:"architecture"` // "x86_64" or "arm64"
	VCPU          int      `json:"vcpu"`
	MemoryMB      int      `json:"memory_mb"`
	GPUType       string   `json:"gpu_type,omitempty"`
	GPUCount      int      `json:"gpu_count,omitempty"`
	StorageGB     int      `json:"storage_gb"`
	BandwidthMbps int      `json:"bandwidth_mbps"`
	HourlyRate    float64  `json:"hourly_rate"`
	Available     bool     `json:"available"`
	Regions       []string `json:"regions,omitempty"`
}

// RequiresGPU returns true if the tier allocates a GPU.
func (s *HardwareSpec) RequiresGPU() bool {
	return s.GPUCount > 0
}

// ProviderConfig configures the hardware specs provider.
type ProviderConfig struct {
	// CatalogURL is the base URL of the catalog service.
	CatalogURL string

	// CacheTTL is how long a fetched catalog is served without a refresh.
	CacheTTL time.Duration

	// FetchTimeout bounds a single catalog fetch.
	FetchTimeout time.Duration
}

// Provider resolves tier names against the catalog service with caching.
// Safe for concurrent use.
type Provider struct {
	config  ProviderConfig
	client  *http.Client
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	catalog   map[string]HardwareSpec
	fetchedAt time.Time
}

// NewProvider creates a hardware specs provider. The cache starts empty;
// the first read triggers a fetch.
func NewProvider(cfg ProviderConfig, logger *telemetry.Logger, metrics *telemetry.Metrics) *Provider {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 10 * time.Second
	}

	return &Provider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		logger:  logger.NewComponentLogger("specs"),
		metrics: metrics,
	}
}

// GetSpec resolves a tier name to its spec. Returns ErrTierNotFound for an
// unknown tier; any catalog-service failure is absorbed by the cache and
// fallback layers.
func (p *Provider) GetSpec(ctx context.Context, tier string) (*HardwareSpec, error) {
	catalog := p.currentCatalog(ctx)

	spec, ok := catalog[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTierNotFound, tier)
	}

	return &spec, nil
}

// GetAllSpecs returns the full tier catalog.
func (p *Provider) GetAllSpecs(ctx context.Context) map[string]HardwareSpec {
	catalog := p.currentCatalog(ctx)

	out := make(map[string]HardwareSpec, len(catalog))
	for tier, spec := range catalog {
		out[tier] = spec
	}
	return out
}

// Refresh forces a catalog fetch, replacing the cache on success. Returns
// true if the fetch succeeded.
func (p *Provider) Refresh(ctx context.Context) bool {
	fetched, err := p.fetchCatalog(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("catalog refresh failed")
		if p.metrics != nil {
			p.metrics.RecordCatalogRefresh(false)
		}
		return false
	}

	p.mu.Lock()
	p.catalog = fetched
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordCatalogRefresh(true)
		p.metrics.SetCatalogStale(false)
	}
	p.logger.Infof("catalog refreshed: %d tiers", len(fetched))
	return true
}

// currentCatalog applies the resolution order: fresh cache, live fetch,
// stale cache, built-in fallback.
func (p *Provider) currentCatalog(ctx context.Context) map[string]HardwareSpec {
	p.mu.RLock()
	cached := p.catalog
	age := time.Since(p.fetchedAt)
	p.mu.RUnlock()

	if cached != nil && age < p.config.CacheTTL {
		return cached
	}

	if p.Refresh(ctx) {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return p.catalog
	}

	if cached != nil {
		p.logger.Warnf("serving stale catalog (age %s, ttl %s)", age.Round(time.Second), p.config.CacheTTL)
		if p.metrics != nil {
			p.metrics.SetCatalogStale(true)
		}
		return cached
	}

	p.logger.Warn("catalog unavailable and no cache populated, serving built-in fallback tiers")
	return fallbackCatalog()
}

// fetchCatalog performs a live fetch from the catalog service.
func (p *Provider) fetchCatalog(ctx context.Context) (map[string]HardwareSpec, error) {
	if p.config.CatalogURL == "" {
		return nil, fmt.Errorf("no catalog URL configured")
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.CatalogURL+"/hardware-specs", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var entries []HardwareSpec
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}

	catalog := make(map[string]HardwareSpec, len(entries))
	for _, entry := range entries {
		if entry.Tier == "" {
			continue // skip malformed entries
		}
		catalog[entry.Tier] = entry
	}

	if len(catalog) == 0 {
		return nil, fmt.Errorf("catalog response contained no tiers")
	}

	return catalog, nil
}
