package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/covault/covaultd/internal/core/ports"
)

const defaultBaseURL = "https://api.coingecko.com/api/v3"

type service struct {
	baseURL string
	client  *http.Client
}

// NewService returns a fiat price source backed by the coingecko simple-price
// endpoint.
func NewService(baseURL string) ports.PriceSource {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &service{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *service) GetUSDPrice(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s/simple/price?ids=bitcoin&vs_currencies=usd", s.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %s", err)
	}
	// nolint:errcheck
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to fetch price: status %d", resp.StatusCode)
	}

	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %s", err)
	}
	price, ok := payload["bitcoin"]["usd"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("malformed price response")
	}
	return price, nil
}
