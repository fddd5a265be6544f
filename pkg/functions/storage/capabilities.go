package storage

import (
	"context"

	"github.com/3leaps/gorws/pkg/registry"
)

const (
	CapabilityHead = "storage.head"
	CapabilityList = "storage.list"
)

// Capabilities returns the storage capabilities. defaults fill fields a
// manifest config block leaves empty (typically region and endpoint from the
// service configuration). Neither capability has a default name: both need a
// bucket and are only exposed through manifests.
func Capabilities(defaults Config) []registry.Capability {
	return []registry.Capability{
		{
			ID:          CapabilityHead,
			Description: "Return metadata for one object",
			Factory: func(name string, raw map[string]any) (registry.Function, error) {
				client, err := clientFromConfig(raw, defaults)
				if err != nil {
					return nil, err
				}
				return HeadFunction(name, client), nil
			},
		},
		{
			ID:          CapabilityList,
			Description: "List object keys under a prefix",
			Factory: func(name string, raw map[string]any) (registry.Function, error) {
				client, err := clientFromConfig(raw, defaults)
				if err != nil {
					return nil, err
				}
				return ListFunction(name, client), nil
			},
		},
	}
}

func clientFromConfig(raw map[string]any, defaults Config) (*Client, error) {
	cfg, err := DecodeConfig(raw)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg.Merge(defaults))
}

// HeadFunction exposes Client.Head: {"key": string} -> ObjectMeta.
func HeadFunction(name string, client *Client) registry.Function {
	return registry.NewFunction(name, "Return metadata for one object",
		[]registry.Param{{Name: "key", Kind: registry.KindString}},
		func(ctx context.Context, args registry.Args) (any, error) {
			return client.Head(ctx, args["key"].(string))
		})
}

// ListFunction exposes Client.List: {"prefix"?: string, "limit"?: integer}.
func ListFunction(name string, client *Client) registry.Function {
	return registry.NewFunction(name, "List object keys under a prefix",
		[]registry.Param{
			{Name: "prefix", Kind: registry.KindString, Optional: true},
			{Name: "limit", Kind: registry.KindInteger, Optional: true},
		},
		func(ctx context.Context, args registry.Args) (any, error) {
			prefix, _ := args["prefix"].(string)
			limit, _ := args["limit"].(float64)
			return client.List(ctx, prefix, int(limit))
		})
}
