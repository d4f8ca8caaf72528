package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kestrelsoft/ras/internal/ledger"
	"github.com/kestrelsoft/ras/internal/model"
)

func newInvoker(t *testing.T, c *Catalog) (*Invoker, *ledger.MemoryLedger) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	l.GrantUser("u1", 5, 5, false)
	return NewInvoker(c, l), l
}

func TestInvokeUnknownToolReturnsError(t *testing.T) {
	inv, _ := newInvoker(t, NewCatalog())
	resp := inv.Invoke(context.Background(), model.ToolChoice{Name: "nope"}, "s1", "u1", "")
	if resp.Error == "" {
		t.Fatal("expected an error for an unknown tool")
	}
	if !strings.Contains(resp.Error, ErrUnknownTool.Error()) {
		t.Errorf("Error = %q, want it to wrap ErrUnknownTool", resp.Error)
	}
}

func TestInvokeBadParametersNeverReservesCredits(t *testing.T) {
	retouch := &RetouchImagesTool{Retouch: func(ctx context.Context, uris []string) ([]string, error) {
		return uris, nil
	}}
	inv, l := newInvoker(t, NewCatalog(retouch))
	// asset_uris must be an array of strings; a bare string fails the schema.
	params := map[string]any{"asset_uris": "not-an-array"}
	resp := inv.Invoke(context.Background(), model.ToolChoice{Name: "retouch_images", Parameters: params}, "s1", "u1", "")
	if resp.Error == "" {
		t.Fatal("expected a bad-parameters error")
	}
	if !strings.Contains(resp.Error, ErrBadParameters.Error()) {
		t.Errorf("Error = %q, want it to wrap ErrBadParameters", resp.Error)
	}
	bal, _ := l.Available("u1", "")
	if bal != 5 {
		t.Errorf("balance = %d, want unchanged 5 (no reservation for invalid parameters)", bal)
	}
}

func TestInvokeFreeToolNeverTouchesLedger(t *testing.T) {
	search := &WebSearchTool{Search: func(ctx context.Context, query string) ([]string, error) {
		return []string{"a", "b"}, nil
	}}
	inv, l := newInvoker(t, NewCatalog(search))
	resp := inv.Invoke(context.Background(), model.ToolChoice{Name: "web_search", Parameters: map[string]any{"query": "x"}}, "s1", "u1", "")
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	bal, _ := l.Available("u1", "")
	if bal != 5 {
		t.Errorf("balance = %d, want unchanged 5", bal)
	}
}

func TestInvokeSuccessCommitsReservedCost(t *testing.T) {
	retouch := &RetouchImagesTool{Retouch: func(ctx context.Context, uris []string) ([]string, error) {
		return uris, nil
	}}
	inv, l := newInvoker(t, NewCatalog(retouch))
	params := map[string]any{"asset_uris": []any{"a", "b", "c"}}
	resp := inv.Invoke(context.Background(), model.ToolChoice{Name: "retouch_images", Parameters: params}, "s1", "u1", "")
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	bal, _ := l.Available("u1", "")
	if bal != 2 {
		t.Errorf("balance = %d, want 2 (5 - 3 assets)", bal)
	}
}

func TestInvokeFailureRefundsReservedCost(t *testing.T) {
	retouch := &RetouchImagesTool{Retouch: func(ctx context.Context, uris []string) ([]string, error) {
		return nil, errors.New("boom")
	}}
	inv, l := newInvoker(t, NewCatalog(retouch))
	params := map[string]any{"asset_uris": []any{"a"}}
	resp := inv.Invoke(context.Background(), model.ToolChoice{Name: "retouch_images", Parameters: params}, "s1", "u1", "")
	if resp.Error == "" {
		t.Fatal("expected an error from the failing backend")
	}
	bal, _ := l.Available("u1", "")
	if bal != 5 {
		t.Errorf("balance = %d, want refunded back to 5", bal)
	}
}

func TestInvokeInsufficientCreditsNeverInvokesBackend(t *testing.T) {
	called := false
	retouch := &RetouchImagesTool{Retouch: func(ctx context.Context, uris []string) ([]string, error) {
		called = true
		return uris, nil
	}}
	inv, l := newInvoker(t, NewCatalog(retouch))
	params := map[string]any{"asset_uris": []any{"a", "b", "c", "d", "e", "f"}}
	resp := inv.Invoke(context.Background(), model.ToolChoice{Name: "retouch_images", Parameters: params}, "s1", "u1", "")
	if resp.Error == "" {
		t.Fatal("expected an insufficient-credits error")
	}
	if called {
		t.Error("backend should never run when the reservation fails")
	}
	bal, _ := l.Available("u1", "")
	if bal != 5 {
		t.Errorf("balance = %d, want unchanged 5", bal)
	}
}

func TestCatalogDescriptionsCoverEveryTool(t *testing.T) {
	c := NewCatalog(&WebSearchTool{}, &RetouchImagesTool{})
	descs := c.Descriptions()
	if len(descs) != 2 {
		t.Fatalf("len(descriptions) = %d, want 2", len(descs))
	}
	if _, ok := c.Lookup("web_search"); !ok {
		t.Error("expected web_search to be registered")
	}
}
