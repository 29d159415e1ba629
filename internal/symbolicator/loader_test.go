package symbolicator

import "testing"

func TestProbeAddsLinkedImageBase(t *testing.T) {
	m := &Module{linkedImageBase: 0x1000}
	if got := m.Probe(0x40); got != 0x1040 {
		t.Fatalf("got %#x", got)
	}
}

func TestResolveFallsBackToSymtabWhenNoDWARF(t *testing.T) {
	m := &Module{
		linkedImageBase: 0,
		symbols: []symtabEntry{
			{name: "alpha", addr: 0x100, size: 0x10},
			{name: "beta", addr: 0x200, size: 0x10},
		},
	}

	rf := m.Resolve(0x108)
	if rf.FunctionName != "alpha" {
		t.Fatalf("got %+v", rf)
	}

	rf = m.Resolve(0x300)
	if rf.FunctionName != "" || rf.UnresolvedReason == "" {
		t.Fatalf("expected unresolved, got %+v", rf)
	}
}

func TestResolveSymtabRespectsFunctionBounds(t *testing.T) {
	m := &Module{symbols: []symtabEntry{{name: "f", addr: 0x100, size: 0x8}}}

	if name, ok := m.resolveSymtab(0x104); !ok || name != "f" {
		t.Fatalf("expected match, got %q %v", name, ok)
	}
	if _, ok := m.resolveSymtab(0x200); ok {
		t.Fatal("expected no match past function size")
	}
}
