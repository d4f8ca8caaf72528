package tools

import (
	"context"
	"fmt"

	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kestrelsoft/ras/internal/dispatch"
)

// WebSearchParams is web_search's parameter schema.
type WebSearchParams struct {
	Query string `json:"query" jsonschema:"required"`
}

// RetouchImagesParams is retouch_images's parameter schema.
type RetouchImagesParams struct {
	AssetURIs []string `json:"asset_uris" jsonschema:"required"`
}

// GenericToolParams is the permissive parameter schema used by tools whose
// backend accepts an arbitrary structured payload not yet modeled as its
// own typed parameters struct (the remaining flat-cost generative tools).
type GenericToolParams map[string]any

func mustSchema[T any]() *jsonschemav5.Schema {
	schema, err := dispatch.SchemaFor[T]()
	if err != nil {
		panic(fmt.Sprintf("tools: deriving parameter schema: %v", err))
	}
	return schema
}

var (
	webSearchSchema     = mustSchema[WebSearchParams]()
	retouchImagesSchema = mustSchema[RetouchImagesParams]()
	genericToolSchema   = mustSchema[GenericToolParams]()
)

// WebSearchTool is a free, read-only tool. Its backend implementation is
// out of scope for this runtime (tools are linked in as opaque handlers);
// Search is a thin seam a real backend plugs into.
type WebSearchTool struct {
	Search func(ctx context.Context, query string) ([]string, error)
}

func (t *WebSearchTool) Name() string               { return "web_search" }
func (t *WebSearchTool) Description() string        { return "Search the web for a query and return matching results." }
func (t *WebSearchTool) Schema() *jsonschemav5.Schema { return webSearchSchema }
func (t *WebSearchTool) Cost(map[string]any) int64  { return 0 }

func (t *WebSearchTool) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	query, _ := params["query"].(string)
	if t.Search == nil {
		return Result{}, fmt.Errorf("web_search: no backend configured")
	}
	results, err := t.Search(ctx, query)
	if err != nil {
		return Result{}, err
	}
	return Result{Full: map[string]any{"results": results}, User: fmt.Sprintf("%d results", len(results))}, nil
}

// RetouchImagesTool costs one credit per image, per the per-operation cost
// table: the required amount scales with the asset count carried in the
// tool's own parameters rather than a flat per-call charge.
type RetouchImagesTool struct {
	Retouch func(ctx context.Context, assetURIs []string) ([]string, error)
}

func (t *RetouchImagesTool) Name() string               { return "retouch_images" }
func (t *RetouchImagesTool) Description() string        { return "Enhance a set of images." }
func (t *RetouchImagesTool) Schema() *jsonschemav5.Schema { return retouchImagesSchema }

func (t *RetouchImagesTool) Cost(params map[string]any) int64 {
	return int64(assetCount(params))
}

func (t *RetouchImagesTool) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	uris := assetURIs(params)
	if t.Retouch == nil {
		return Result{}, fmt.Errorf("retouch_images: no backend configured")
	}
	out, err := t.Retouch(ctx, uris)
	if err != nil {
		return Result{}, err
	}
	return Result{Full: map[string]any{"assets": out}, User: fmt.Sprintf("Enhanced %d images", len(out))}, nil
}

func assetCount(params map[string]any) int {
	return len(assetURIs(params))
}

func assetURIs(params map[string]any) []string {
	raw, _ := params["asset_uris"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		// Default to one image, matching the original guard's fallback
		// when an asset count cannot be determined from the request.
		return []string{""}
	}
	return out
}

// flatCostTool is a small helper for the remaining fixed-cost generative
// tools in §4.7's table (generate_creative, generate_style, vocal_tour,
// generate_creative_from_bundle): each costs exactly one credit per call.
type flatCostTool struct {
	name        string
	description string
	cost        int64
	run         func(ctx context.Context, params map[string]any) (Result, error)
}

func (t *flatCostTool) Name() string                { return t.name }
func (t *flatCostTool) Description() string         { return t.description }
func (t *flatCostTool) Schema() *jsonschemav5.Schema { return genericToolSchema }
func (t *flatCostTool) Cost(map[string]any) int64   { return t.cost }

func (t *flatCostTool) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	if t.run == nil {
		return Result{}, fmt.Errorf("%s: no backend configured", t.name)
	}
	return t.run(ctx, params)
}

func NewGenerateCreativeTool(run func(ctx context.Context, params map[string]any) (Result, error)) Tool {
	return &flatCostTool{name: "generate_creative", description: "Generate a creative asset.", cost: 1, run: run}
}

func NewGenerateCreativeFromBundleTool(run func(ctx context.Context, params map[string]any) (Result, error)) Tool {
	return &flatCostTool{name: "generate_creative_from_bundle", description: "Generate a creative asset from an existing bundle.", cost: 1, run: run}
}

func NewGenerateStyleTool(run func(ctx context.Context, params map[string]any) (Result, error)) Tool {
	return &flatCostTool{name: "generate_style", description: "Generate a style variant.", cost: 1, run: run}
}

func NewVocalTourTool(run func(ctx context.Context, params map[string]any) (Result, error)) Tool {
	return &flatCostTool{name: "vocal_tour", description: "Generate a narrated vocal tour.", cost: 1, run: run}
}
