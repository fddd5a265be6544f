package stock

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/3leaps/gorws/pkg/registry"
)

const (
	CapabilityPrice         = "stock.price"
	CapabilityPreviousClose = "stock.previous_close"
)

// Dummy price range for stock.price.
const (
	MinDummyPrice = 100.0
	MaxDummyPrice = 500.0
)

// PreviousCloseFailure prefixes the error payload of stock.previous_close.
const PreviousCloseFailure = "Failed to fetch previous close price: "

var symbolParam = []registry.Param{{Name: "symbol", Kind: registry.KindString}}

// Capabilities returns the stock capabilities. defaults configure the quote
// source when a manifest config block leaves fields empty.
func Capabilities(defaults Config) []registry.Capability {
	return []registry.Capability{
		{
			ID:          CapabilityPrice,
			DefaultName: "sp",
			Description: "Return a dummy price for a symbol",
			Factory: func(name string, _ map[string]any) (registry.Function, error) {
				return PriceFunction(name, rand.Float64), nil
			},
		},
		{
			ID:          CapabilityPreviousClose,
			DefaultName: "pc",
			Description: "Return the previous trading day's close for a symbol",
			Factory: func(name string, raw map[string]any) (registry.Function, error) {
				cfg, err := DecodeConfig(raw)
				if err != nil {
					return nil, err
				}
				if cfg.Endpoint == "" {
					cfg.Endpoint = defaults.Endpoint
				}
				if cfg.Timeout == 0 {
					cfg.Timeout = defaults.Timeout
				}
				return PreviousCloseFunction(name, NewChartSource(cfg)), nil
			},
		},
	}
}

// PriceFunction returns a uniform price in [MinDummyPrice, MaxDummyPrice]
// rounded to cents. unit yields values in [0, 1).
func PriceFunction(name string, unit func() float64) registry.Function {
	return registry.NewFunction(name, "Return a dummy price for a symbol", symbolParam,
		func(ctx context.Context, args registry.Args) (any, error) {
			price := MinDummyPrice + unit()*(MaxDummyPrice-MinDummyPrice)
			return map[string]any{
				"symbol": args["symbol"],
				"price":  math.Round(price*100) / 100,
			}, nil
		})
}

// PreviousCloseFunction exposes QuoteSource.PreviousClose. Lookup failures
// are reported in the payload, not raised.
func PreviousCloseFunction(name string, source QuoteSource) registry.Function {
	return registry.NewFunction(name, "Return the previous trading day's close for a symbol", symbolParam,
		func(ctx context.Context, args registry.Args) (any, error) {
			symbol := args["symbol"].(string)
			price, err := source.PreviousClose(ctx, symbol)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return map[string]any{"error": PreviousCloseFailure + err.Error()}, nil
			}
			return map[string]any{"symbol": symbol, "previous_close": price}, nil
		})
}
