// Package tools implements the tool catalog and invocation contract: a
// closed, named registry of tool implementations plus the pre-flight
// credit reservation / post-flight settlement discipline around each call.
package tools

import (
	"context"
	"errors"
	"fmt"

	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kestrelsoft/ras/internal/errkind"
	"github.com/kestrelsoft/ras/internal/ledger"
	"github.com/kestrelsoft/ras/internal/model"
)

// ErrUnknownTool and ErrBadParameters are the two pre-flight failure modes
// §4.2 steps 1 and 2 name, returned wrapped so callers can errors.Is against them.
var (
	ErrUnknownTool   = errors.New("tools: unknown tool")
	ErrBadParameters = errors.New("tools: parameters do not match the tool's schema")
)

// Result is what a Tool implementation returns: the full value for LLM
// context and the user-facing value for the client channel.
type Result struct {
	Full any
	User string
}

// Tool is one named, side-effecting capability.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON Schema a ToolChoice's Parameters must validate
	// against before Cost/Invoke ever see them.
	Schema() *jsonschemav5.Schema
	// Cost returns the credit cost for this invocation given its already
	// decoded parameters (e.g. retouch scales with asset count).
	Cost(params map[string]any) int64
	Invoke(ctx context.Context, params map[string]any) (Result, error)
}

// Catalog is the closed, enumerated set of tools whose descriptions the
// agent prompt lists and that invocations are dispatched against.
type Catalog struct {
	tools map[string]Tool
}

func NewCatalog(tools ...Tool) *Catalog {
	c := &Catalog{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		c.tools[t.Name()] = t
	}
	return c
}

func (c *Catalog) Lookup(name string) (Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Descriptions returns name/description pairs for every catalog entry, used
// to build the tool-catalog section of the agent prompt.
func (c *Catalog) Descriptions() map[string]string {
	out := make(map[string]string, len(c.tools))
	for name, t := range c.tools {
		out[name] = t.Description()
	}
	return out
}

// Invoker ties the catalog to the credit ledger, implementing the full
// pre-flight/post-flight contract in §4.2: unknown tool, bad parameters,
// insufficient credits, invoke, commit-or-refund.
type Invoker struct {
	catalog *Catalog
	ledger  ledger.Ledger
}

func NewInvoker(catalog *Catalog, l ledger.Ledger) *Invoker {
	return &Invoker{catalog: catalog, ledger: l}
}

// Invoke runs one ToolChoice to completion, always returning a
// model.ToolResponse even on failure so the loop driver can append it to
// history and continue.
func (inv *Invoker) Invoke(ctx context.Context, choice model.ToolChoice, sessionID, ownerUserID, ownerOrgID string) model.ToolResponse {
	tool, ok := inv.catalog.Lookup(choice.Name)
	if !ok {
		err := errkind.New(errkind.UnknownTool, fmt.Errorf("%w: %q", ErrUnknownTool, choice.Name))
		return model.ToolResponse{Error: err.Error(), User: "That action is not available."}
	}

	if schema := tool.Schema(); schema != nil {
		params := choice.Parameters
		if params == nil {
			params = map[string]any{}
		}
		if err := schema.Validate(params); err != nil {
			wrapped := errkind.New(errkind.BadParameters, fmt.Errorf("%w: %v", ErrBadParameters, err))
			return model.ToolResponse{Error: wrapped.Error(), User: "That action's parameters were invalid."}
		}
	}

	cost := tool.Cost(choice.Parameters)
	var reservation ledger.ReservationID
	if cost > 0 {
		res, err := inv.ledger.Reserve(ctx, ledger.ReserveRequest{
			UserID:   ownerUserID,
			OrgID:    ownerOrgID,
			Amount:   cost,
			Action:   choice.Name,
			EntityID: sessionID,
		})
		if err != nil {
			return model.ToolResponse{
				Error: err.Error(),
				User:  "This action requires more credits than you have available.",
			}
		}
		reservation = res
	}

	result, err := tool.Invoke(ctx, choice.Parameters)
	if err != nil {
		if cost > 0 {
			_ = inv.ledger.Refund(ctx, reservation)
		}
		return model.ToolResponse{Error: err.Error(), User: "That action failed."}
	}
	if cost > 0 {
		_ = inv.ledger.Commit(ctx, reservation)
	}
	return model.ToolResponse{Full: result.Full, User: result.User}
}
