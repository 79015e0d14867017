package engine

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
)

// minimalWASM is the empty module: magic bytes + version, no sections.
// It declares no imports, so it vacuously satisfies the "only imports
// wasi_snapshot_preview1" check and is enough to exercise LoadModule
// without needing a real guest binary on disk.
var minimalWASM = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func noopHostModule(rt wazero.Runtime) wazero.HostModuleBuilder {
	return rt.NewHostModuleBuilder(AllowedImportModule)
}

func TestLoadModuleAcceptsNoImports(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, Config{}, noopHostModule)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close(ctx)

	m, err := e.LoadModule(ctx, minimalWASM)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	defer m.Close(ctx)
}

func TestLoadModuleRejectsForeignImport(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, Config{}, noopHostModule)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close(ctx)

	// A module importing from "env" instead of wasi_snapshot_preview1 must
	// fail at LoadModule, not later at Instantiate.
	wat := []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // header
		// type section: 1 type, () -> ()
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		// import section: 1 import, module "env", field "f", kind func, type 0
		0x02, 0x09, 0x01,
		0x03, 'e', 'n', 'v',
		0x01, 'f',
		0x00, 0x00,
	}

	if _, err := e.LoadModule(ctx, wat); err == nil {
		t.Fatal("expected LoadModule to reject a non-wasi import")
	}
}
