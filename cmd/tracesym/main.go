// tracesym is the standalone trace-bundle symbolicator CLI (§6): it
// resolves a JSON trace-bundle document's raw (ip, module_path,
// module_base) frames against the modules' on-disk DWARF/ELF debug info,
// with no running collector or instrumented process involved. Modeled on
// the teacher's cmd/bd/doctor.go-style single-purpose cobra command: one
// --input flag, exit code 0 on success, 1 with an "error:"-prefixed
// stderr line on failure.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/peepsnet/peepsd/internal/symbolicator"
	"github.com/peepsnet/peepsd/internal/tracebundle"
)

var (
	inputPath string
	cachePath string
)

var rootCmd = &cobra.Command{
	Use:   "tracesym",
	Short: "Symbolicate a trace-bundle JSON document offline",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&inputPath, "input", "", "path to a schema_version:2 trace-bundle JSON document (required)")
	rootCmd.Flags().StringVar(&cachePath, "cache", ":memory:", "path to a symbolication cache database (default: in-memory, not persisted)")
	_ = rootCmd.MarkFlagRequired("input")
}

func run(cmd *cobra.Command, args []string) error {
	bundle, err := tracebundle.LoadFile(inputPath)
	if err != nil {
		return err
	}

	cache, db, err := symbolicator.NewStandaloneCache(cachePath)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer db.Close()

	engine := symbolicator.NewEngine(cache)
	resolved, err := tracebundle.Resolve(context.Background(), engine, bundle)
	if err != nil {
		return err
	}

	for _, tr := range resolved {
		fmt.Printf("%s\n", tr.Label)
		for _, rf := range tr.Frames {
			printFrame(rf)
		}
	}
	return nil
}

func printFrame(rf tracebundle.ResolvedFrame) {
	r := rf.Result
	if r.UnresolvedReason != "" {
		fmt.Printf("  0x%x %s+0x%x  (unresolved: %s)\n", rf.Frame.IP, rf.Frame.ModulePath, rf.Frame.IP-rf.Frame.ModuleBase, r.UnresolvedReason)
		return
	}
	name := symbolicator.CleanFunctionName(r.FunctionName)
	if r.SourceFilePath != "" {
		fmt.Printf("  0x%x %s (%s:%d)\n", rf.Frame.IP, name, r.SourceFilePath, r.SourceLine)
		return
	}
	fmt.Printf("  0x%x %s\n", rf.Frame.IP, name)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
