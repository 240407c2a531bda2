package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/koltyakov/visitid/internal/domain"
)

// Remote provider confidence caps. External databases are good but not as
// trustworthy as the platform edge, which sees the TLS connection itself.
const (
	ipAPIConfidence   = 80
	ipWhoConfidence   = 78
	ipapiCoConfidence = 75
)

const maxProviderBody = 64 * 1024

// DefaultProviders returns the remote lookup chain in cost order. The
// shared client carries no timeout; the resolver bounds each call through
// its context.
func DefaultProviders(client *http.Client) []Provider {
	if client == nil {
		client = &http.Client{}
	}
	return []Provider{
		&ipAPIProvider{client: client},
		&ipWhoProvider{client: client},
		&ipapiCoProvider{client: client},
	}
}

func fetchJSON(ctx context.Context, client *http.Client, provider, ip, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &domain.LookupError{Provider: provider, IP: ip, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return &domain.LookupError{Provider: provider, IP: ip, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &domain.LookupError{
			Provider: provider,
			IP:       ip,
			Err:      fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrProviderUnavailable),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return &domain.LookupError{Provider: provider, IP: ip, Err: err}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &domain.LookupError{Provider: provider, IP: ip, Err: err}
	}
	return nil
}

type ipAPIProvider struct {
	client *http.Client
}

func (p *ipAPIProvider) Name() string    { return "ip-api" }
func (p *ipAPIProvider) Confidence() int { return ipAPIConfidence }

func (p *ipAPIProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	var payload struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Country string `json:"country"`
		Region  string `json:"regionName"`
		City    string `json:"city"`
	}
	url := fmt.Sprintf("http://ip-api.com/json/%s?fields=status,message,country,regionName,city", ip)
	if err := fetchJSON(ctx, p.client, p.Name(), ip, url, &payload); err != nil {
		return Location{}, err
	}
	if payload.Status != "success" {
		return Location{}, &domain.LookupError{
			Provider: p.Name(),
			IP:       ip,
			Err:      fmt.Errorf("%s: %w", payload.Message, domain.ErrProviderUnavailable),
		}
	}
	return Location{Country: payload.Country, Region: payload.Region, City: payload.City}, nil
}

type ipWhoProvider struct {
	client *http.Client
}

func (p *ipWhoProvider) Name() string    { return "ipwho" }
func (p *ipWhoProvider) Confidence() int { return ipWhoConfidence }

func (p *ipWhoProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	var payload struct {
		Success bool   `json:"success"`
		Country string `json:"country"`
		Region  string `json:"region"`
		City    string `json:"city"`
	}
	url := fmt.Sprintf("https://ipwho.is/%s", ip)
	if err := fetchJSON(ctx, p.client, p.Name(), ip, url, &payload); err != nil {
		return Location{}, err
	}
	if !payload.Success {
		return Location{}, &domain.LookupError{Provider: p.Name(), IP: ip, Err: domain.ErrProviderUnavailable}
	}
	return Location{Country: payload.Country, Region: payload.Region, City: payload.City}, nil
}

type ipapiCoProvider struct {
	client *http.Client
}

func (p *ipapiCoProvider) Name() string    { return "ipapi-co" }
func (p *ipapiCoProvider) Confidence() int { return ipapiCoConfidence }

func (p *ipapiCoProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	var payload struct {
		Error   bool   `json:"error"`
		Reason  string `json:"reason"`
		Country string `json:"country_name"`
		Region  string `json:"region"`
		City    string `json:"city"`
	}
	url := fmt.Sprintf("https://ipapi.co/%s/json/", ip)
	if err := fetchJSON(ctx, p.client, p.Name(), ip, url, &payload); err != nil {
		return Location{}, err
	}
	if payload.Error {
		return Location{}, &domain.LookupError{
			Provider: p.Name(),
			IP:       ip,
			Err:      fmt.Errorf("%s: %w", payload.Reason, domain.ErrProviderUnavailable),
		}
	}
	return Location{Country: payload.Country, Region: payload.Region, City: payload.City}, nil
}
