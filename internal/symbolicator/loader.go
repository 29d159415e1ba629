// Package symbolicator implements component J: loading a module's on-disk
// object file, computing its linked image base, and resolving a relative
// program counter to a function name and source location via its DWARF
// debug info — the Go-stdlib equivalent of the addr2line-crate-based
// resolver the original implementation used.
package symbolicator

import (
	"debug/dwarf"
	"debug/elf"
	"debug/macho"
	"fmt"
	"sort"
)

// ResolvedFrame is what symbolicate writes back for one rel_pc.
type ResolvedFrame struct {
	FunctionName     string
	SourceFilePath   string
	SourceLine       int
	SourceColumn     int
	UnresolvedReason string
}

func (r ResolvedFrame) ok() bool { return r.UnresolvedReason == "" }

// symtabEntry is one function symbol's address range, used to find the
// enclosing function when DWARF line info lacks a subprogram name.
type symtabEntry struct {
	name string
	addr uint64
	size uint64
}

// Module is an opened object file ready to resolve probes against it.
type Module struct {
	path            string
	linkedImageBase uint64
	dwarfData       *dwarf.Data
	symbols         []symtabEntry
}

// OpenModule opens path as an ELF or Mach-O object, computing its linked
// image base as the minimum nonzero file-backed segment virtual address
// (stripping ASLR, per §4.J).
func OpenModule(path string) (*Module, error) {
	if ef, err := elf.Open(path); err == nil {
		defer ef.Close()
		return newModuleFromELF(path, ef)
	}
	if mf, err := macho.Open(path); err == nil {
		defer mf.Close()
		return newModuleFromMachO(path, mf)
	}
	return nil, fmt.Errorf("symbolicator: %s is neither a readable ELF nor Mach-O object", path)
}

func newModuleFromELF(path string, ef *elf.File) (*Module, error) {
	base := uint64(0)
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr != 0 && (base == 0 || prog.Vaddr < base) {
			base = prog.Vaddr
		}
	}

	var syms []symtabEntry
	if symbols, err := ef.Symbols(); err == nil {
		syms = symtabFromELF(symbols)
	} else if dynsyms, err := ef.DynamicSymbols(); err == nil {
		syms = symtabFromELF(dynsyms)
	}

	dd, _ := ef.DWARF() // absent DWARF is not fatal: symbol table alone still resolves names

	return &Module{path: path, linkedImageBase: base, dwarfData: dd, symbols: syms}, nil
}

func symtabFromELF(symbols []elf.Symbol) []symtabEntry {
	out := make([]symtabEntry, 0, len(symbols))
	for _, s := range symbols {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
			continue
		}
		out = append(out, symtabEntry{name: s.Name, addr: s.Value, size: s.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

func newModuleFromMachO(path string, mf *macho.File) (*Module, error) {
	base := uint64(0)
	for _, seg := range mf.Segments() {
		if seg.Addr != 0 && (base == 0 || seg.Addr < base) {
			base = seg.Addr
		}
	}

	var syms []symtabEntry
	if mf.Symtab != nil {
		for _, s := range mf.Symtab.Syms {
			if s.Value == 0 {
				continue
			}
			syms = append(syms, symtabEntry{name: s.Name, addr: s.Value})
		}
		sort.Slice(syms, func(i, j int) bool { return syms[i].addr < syms[j].addr })
	}

	dd, _ := mf.DWARF()

	return &Module{path: path, linkedImageBase: base, dwarfData: dd, symbols: syms}, nil
}

// LinkedImageBase returns the module's minimum nonzero load-segment
// virtual address.
func (m *Module) LinkedImageBase() uint64 { return m.linkedImageBase }

// Probe computes the file-relative address to look up:
// linked_image_base + (ip - runtime_base), expressed here directly in
// terms of relPC (= ip - runtime_base, already computed by the caller).
func (m *Module) Probe(relPC uint64) uint64 {
	return m.linkedImageBase + relPC
}

// Resolve looks up probe against DWARF line info first, falling back to
// the symbol table for a function name when line info is unavailable or
// incomplete.
func (m *Module) Resolve(probe uint64) ResolvedFrame {
	var rf ResolvedFrame

	if m.dwarfData != nil {
		if name, file, line, col, ok := m.resolveDWARF(probe); ok {
			rf.FunctionName = CleanFunctionName(name)
			rf.SourceFilePath = file
			rf.SourceLine = line
			rf.SourceColumn = col
		}
	}

	if rf.FunctionName == "" {
		if name, ok := m.resolveSymtab(probe); ok {
			rf.FunctionName = CleanFunctionName(name)
		}
	}

	if rf.FunctionName == "" {
		rf.UnresolvedReason = "no function symbol covers this address"
	}
	return rf
}

func (m *Module) resolveSymtab(probe uint64) (string, bool) {
	// binary search for the last symbol with addr <= probe
	i := sort.Search(len(m.symbols), func(i int) bool { return m.symbols[i].addr > probe })
	if i == 0 {
		return "", false
	}
	s := m.symbols[i-1]
	if s.size != 0 && probe >= s.addr+s.size {
		return "", false
	}
	return s.name, true
}

func (m *Module) resolveDWARF(probe uint64) (name, file string, line, col int, ok bool) {
	reader := m.dwarfData.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		lowPC, lowOK := entry.Val(dwarf.AttrLowpc).(uint64)
		highPCRaw := entry.Val(dwarf.AttrHighpc)
		if !lowOK || highPCRaw == nil {
			continue
		}
		var highPC uint64
		switch v := highPCRaw.(type) {
		case uint64:
			highPC = v
		case int64:
			highPC = lowPC + uint64(v)
		default:
			continue
		}
		if probe < lowPC || probe >= highPC {
			continue
		}
		if n, ok := entry.Val(dwarf.AttrName).(string); ok {
			name = n
		}
		break
	}

	lr, err := m.dwarfData.LineReader(nil)
	if err != nil || lr == nil {
		return name, file, line, col, name != ""
	}
	var entry dwarf.LineEntry
	var best *dwarf.LineEntry
	for {
		if err := lr.Next(&entry); err != nil {
			break
		}
		if entry.Address > probe {
			continue
		}
		e := entry
		if best == nil || e.Address > best.Address {
			best = &e
		}
	}
	if best != nil {
		file = best.File.Name
		line = best.Line
		col = best.Column
	}
	return name, file, line, col, name != "" || file != ""
}
