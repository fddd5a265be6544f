// Package functions holds the capabilities compiled into gorws.
package functions

import (
	"context"

	"github.com/3leaps/gorws/pkg/functions/stock"
	"github.com/3leaps/gorws/pkg/functions/storage"
	"github.com/3leaps/gorws/pkg/registry"
)

// DivisionByZeroMessage is returned as a payload, not raised, by div.
const DivisionByZeroMessage = "Division by zero is not allowed"

// Options tunes capability construction.
type Options struct {
	// Storage supplies defaults for storage capabilities (region, endpoint).
	Storage storage.Config

	// Stock configures the quote source behind stock.previous_close.
	Stock stock.Config
}

// NewCatalog returns the catalog of every built-in capability.
func NewCatalog(opts Options) *registry.Catalog {
	c := registry.NewCatalog()
	for _, capability := range builtins() {
		c.MustAdd(capability)
	}
	for _, capability := range stock.Capabilities(opts.Stock) {
		c.MustAdd(capability)
	}
	for _, capability := range storage.Capabilities(opts.Storage) {
		c.MustAdd(capability)
	}
	return c
}

var operands = []registry.Param{
	{Name: "a", Kind: registry.KindNumber},
	{Name: "b", Kind: registry.KindNumber},
}

func binary(description string, op func(a, b float64) any) registry.Factory {
	return func(name string, _ map[string]any) (registry.Function, error) {
		return registry.NewFunction(name, description, operands,
			func(ctx context.Context, args registry.Args) (any, error) {
				return op(args["a"].(float64), args["b"].(float64)), nil
			}), nil
	}
}

func result(v float64) any {
	return map[string]any{"result": v}
}

func builtins() []registry.Capability {
	return []registry.Capability{
		{
			ID:          "math.add",
			DefaultName: "add",
			Description: "Return a + b",
			Factory:     binary("Return a + b", func(a, b float64) any { return result(a + b) }),
		},
		{
			ID:          "math.sub",
			DefaultName: "sub",
			Description: "Return a - b",
			Factory:     binary("Return a - b", func(a, b float64) any { return result(a - b) }),
		},
		{
			ID:          "math.mul",
			DefaultName: "mul",
			Description: "Return a * b",
			Factory:     binary("Return a * b", func(a, b float64) any { return result(a * b) }),
		},
		{
			ID:          "math.div",
			DefaultName: "div",
			Description: "Return a / b (division by zero yields an error payload)",
			Factory: binary("Return a / b", func(a, b float64) any {
				if b == 0 {
					return map[string]any{"error": DivisionByZeroMessage}
				}
				return result(a / b)
			}),
		},
		{
			ID:          "debug.echo",
			DefaultName: "echo",
			Description: "Return the value argument unchanged",
			Factory: func(name string, _ map[string]any) (registry.Function, error) {
				return registry.NewFunction(name, "Return the value argument unchanged",
					[]registry.Param{{Name: "value", Kind: registry.KindAny}},
					func(ctx context.Context, args registry.Args) (any, error) {
						return args["value"], nil
					}), nil
			},
		},
	}
}
