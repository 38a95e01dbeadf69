// Package llama reads pool yields from a DeFiLlama-style yields API and lets any
// adapter report that yield instead of its own.
package llama

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/yieldvault/internal/adapter"
	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// DefaultURL is the public yields endpoint.
const DefaultURL = "https://yields.llama.fi/pools"

// maxBody bounds the pools document.
const maxBody = 64 << 20

// Config configures a Source.
type Config struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *logger.Logger
}

// Source fetches the pools document and extracts one pool's APY.
type Source struct {
	url    string
	client *http.Client
	log    *logger.Logger
}

// NewSource creates a Source. Missing fields are defaulted.
func NewSource(cfg Config) *Source {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("llama")
	}
	return &Source{url: cfg.URL, client: cfg.HTTPClient, log: cfg.Logger}
}

// APY returns pool's current yield in basis points. The document's `apy` field
// is used when present, otherwise `apyBase + apyReward`.
func (s *Source) APY(ctx context.Context, pool string) (uint64, error) {
	body, err := s.fetch(ctx)
	if err != nil {
		return 0, err
	}
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("llama: invalid pools document")
	}

	entry := gjson.GetBytes(body, `data.#(pool=="`+escape(pool)+`")`)
	if !entry.Exists() {
		return 0, fmt.Errorf("llama: pool %s not found", pool)
	}

	pct := entry.Get("apy")
	if !pct.Exists() || pct.Type == gjson.Null {
		base, reward := entry.Get("apyBase"), entry.Get("apyReward")
		if !base.Exists() && !reward.Exists() {
			return 0, fmt.Errorf("llama: pool %s has no apy", pool)
		}
		return PercentToBps(base.Float() + reward.Float())
	}
	return PercentToBps(pct.Float())
}

func (s *Source) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llama: fetch pools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llama: pools endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("llama: read pools: %w", err)
	}
	s.log.WithField("bytes", len(body)).Debug("fetched pools document")
	return body, nil
}

// PercentToBps converts a percentage (5.25 == 5.25%) to basis points, rounding
// to the nearest bp.
func PercentToBps(pct float64) (uint64, error) {
	if math.IsNaN(pct) || math.IsInf(pct, 0) || pct < 0 {
		return 0, fmt.Errorf("llama: invalid apy %s", strconv.FormatFloat(pct, 'f', -1, 64))
	}
	return uint64(math.Round(pct * 100)), nil
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// Adapter decorates an adapter so GetAPY reports the pool's published yield.
// Every other operation goes to the wrapped adapter.
type Adapter struct {
	adapter.Adapter
	source *Source
	pool   string
}

var _ adapter.Adapter = (*Adapter)(nil)

// Wrap returns inner reporting pool's APY from source.
func Wrap(inner adapter.Adapter, source *Source, pool string) *Adapter {
	return &Adapter{Adapter: inner, source: source, pool: pool}
}

// Pool returns the pool id.
func (a *Adapter) Pool() string { return a.pool }

// GetAPY implements adapter.Adapter.
func (a *Adapter) GetAPY(ctx context.Context, asset domain.Asset) (uint64, error) {
	if !a.Adapter.IsAssetSupported(ctx, asset) {
		return 0, fmt.Errorf("llama: asset %s not supported by %s", asset, a.pool)
	}
	return a.source.APY(ctx, a.pool)
}
