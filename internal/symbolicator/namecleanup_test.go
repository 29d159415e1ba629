package symbolicator

import "testing"

func TestCleanFunctionNameStripsHashSuffix(t *testing.T) {
	got := CleanFunctionName("tokio::runtime::task::core::Core<T,S>::poll::h4f2a9c1b3d")
	want := "tokio::runtime::task::core::Core<T,S>::poll"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCleanFunctionNameStripsEvenWhenSuffixIsNotShorter(t *testing.T) {
	// the hash suffix is stripped whenever it's non-empty and all-hex,
	// regardless of its length relative to the leading identifier.
	got := CleanFunctionName("f::habc")
	if got != "f" {
		t.Fatalf("got %q want %q", got, "f")
	}
}

func TestCleanFunctionNamePassesThroughMangledNames(t *testing.T) {
	name := "_ZN3foo3barEv"
	if got := CleanFunctionName(name); got != name {
		t.Fatalf("got %q want unchanged %q", got, name)
	}
}

func TestCleanFunctionNameLeavesNonHexSuffixAlone(t *testing.T) {
	name := "my::module::function::helper"
	if got := CleanFunctionName(name); got != name {
		t.Fatalf("got %q want unchanged %q", got, name)
	}
}
