package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrInsufficientHistory is returned when fewer than two closes are known.
var ErrInsufficientHistory = errors.New("insufficient price history")

// QuoteSource looks up historical prices.
type QuoteSource interface {
	PreviousClose(ctx context.Context, symbol string) (float64, error)
}

// ChartSource reads daily closes from a Yahoo-style chart API.
type ChartSource struct {
	endpoint string
	client   *http.Client
}

func NewChartSource(cfg Config) *ChartSource {
	cfg = cfg.withDefaults()
	return &ChartSource{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// PreviousClose returns the second most recent daily close over a two day
// window. Missing bars are skipped.
func (s *ChartSource) PreviousClose(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return 0, errors.New("symbol is required")
	}

	u := fmt.Sprintf("%s/v8/finance/chart/%s?range=2d&interval=1d", s.endpoint, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	var body chartResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("quote service returned %d", resp.StatusCode)
		}
		return 0, fmt.Errorf("decode chart: %w", err)
	}
	if e := body.Chart.Error; e != nil {
		return 0, fmt.Errorf("%s: %s", e.Code, e.Description)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("quote service returned %d", resp.StatusCode)
	}

	var closes []float64
	for _, r := range body.Chart.Result {
		for _, q := range r.Indicators.Quote {
			for _, c := range q.Close {
				if c != nil {
					closes = append(closes, *c)
				}
			}
		}
	}
	if len(closes) < 2 {
		return 0, fmt.Errorf("%s: %w", symbol, ErrInsufficientHistory)
	}
	return closes[len(closes)-2], nil
}
