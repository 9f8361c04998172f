package allowlist

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// GlobalStore is the durable side of the global allowlist.
type GlobalStore interface {
	GlobalAllowedTools(ctx context.Context) ([]string, error)
	AddGlobalAllowedTool(ctx context.Context, pattern string) error
	RemoveGlobalAllowedTool(ctx context.Context, pattern string) error
}

// Global is the process-wide allowlist shared by every session. Mutations
// are written to the store before the cache changes, so a reader never sees
// a pattern that would be lost on restart.
type Global struct {
	mu       sync.RWMutex
	store    GlobalStore
	patterns []string
}

func NewGlobal(store GlobalStore) *Global {
	return &Global{store: store}
}

// Load replaces the cache with the stored set.
func (g *Global) Load(ctx context.Context) error {
	patterns, err := g.store.GlobalAllowedTools(ctx)
	if err != nil {
		return fmt.Errorf("load global allowlist: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.patterns = slices.Clone(patterns)
	return nil
}

func (g *Global) Snapshot() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.patterns)
}

// Add remembers pattern globally. Adding a known pattern is a no-op.
func (g *Global) Add(ctx context.Context, pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if slices.Contains(g.patterns, pattern) {
		return nil
	}
	if err := g.store.AddGlobalAllowedTool(ctx, pattern); err != nil {
		return fmt.Errorf("persist global pattern: %w", err)
	}
	g.patterns = append(g.patterns, pattern)
	return nil
}

// Remove revokes a global pattern. Removing an unknown pattern is a no-op.
func (g *Global) Remove(ctx context.Context, pattern string) error {
	pattern = strings.TrimSpace(pattern)
	g.mu.Lock()
	defer g.mu.Unlock()
	i := slices.Index(g.patterns, pattern)
	if i < 0 {
		return nil
	}
	if err := g.store.RemoveGlobalAllowedTool(ctx, pattern); err != nil {
		return fmt.Errorf("remove global pattern: %w", err)
	}
	g.patterns = slices.Delete(g.patterns, i, i+1)
	return nil
}

// Version fingerprints the current set for audit records.
func (g *Global) Version() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h := fnv.New64a()
	for _, p := range g.patterns {
		_, _ = h.Write([]byte(p + "|"))
	}
	return "allowlist-" + strconv.FormatUint(h.Sum64(), 16)
}
