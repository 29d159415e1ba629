package tracebundle

import (
	"context"
	"fmt"

	"github.com/peepsnet/peepsd/internal/symbolicator"
)

// ResolvedFrame pairs a raw bundle frame with its symbolication result.
type ResolvedFrame struct {
	Frame  Frame
	Result symbolicator.ResolvedFrame
}

// ResolvedTrace is a Trace whose frames have all been symbolicated.
type ResolvedTrace struct {
	Label  string
	Frames []ResolvedFrame
}

// moduleIdentity stands in for the manifest-computed identity (§4.C) a
// bundle doesn't carry: the module path alone. Two bundle frames that
// name the same path are treated as the same module, so the engine still
// opens each object file only once per Resolve call.
func moduleIdentity(modulePath string) string { return modulePath }

// Resolve symbolicates every frame of every trace in b using engine,
// grouping by module the way a collector-driven resolution would.
func Resolve(ctx context.Context, engine *symbolicator.Engine, b Bundle) ([]ResolvedTrace, error) {
	var pending []symbolicator.PendingFrame
	spans := make([]int, 0, len(b.Traces))
	for _, tr := range b.Traces {
		spans = append(spans, len(tr.Frames))
		for _, f := range tr.Frames {
			pending = append(pending, symbolicator.PendingFrame{
				ModuleIdentity: moduleIdentity(f.ModulePath),
				ModulePath:     f.ModulePath,
				RelPC:          f.IP - f.ModuleBase,
				RuntimeBase:    f.ModuleBase,
				IP:             f.IP,
			})
		}
	}

	resolved, err := engine.SymbolicatePendingFrames(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("tracebundle: resolve: %w", err)
	}

	out := make([]ResolvedTrace, len(b.Traces))
	cursor := 0
	for i, tr := range b.Traces {
		n := spans[i]
		frames := make([]ResolvedFrame, n)
		for j := 0; j < n; j++ {
			frames[j] = ResolvedFrame{Frame: tr.Frames[j], Result: resolved[cursor+j]}
		}
		out[i] = ResolvedTrace{Label: tr.Label, Frames: frames}
		cursor += n
	}
	return out, nil
}
