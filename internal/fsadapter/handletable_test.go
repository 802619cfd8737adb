package fsadapter

import (
	"testing"

	"github.com/agent-harbor/agent-harbor/internal/agentfs"
)

func TestHandleTableRegisterLookupRelease(t *testing.T) {
	tbl := newHandleTable()

	fh1 := tbl.Register(agentfs.HandleId(10))
	fh2 := tbl.Register(agentfs.HandleId(20))
	if fh1 == fh2 {
		t.Fatalf("Register returned the same fh twice: %d", fh1)
	}

	got, ok := tbl.Lookup(fh1)
	if !ok || got != agentfs.HandleId(10) {
		t.Errorf("Lookup(%d) = (%v, %v), want (10, true)", fh1, got, ok)
	}
	got, ok = tbl.Lookup(fh2)
	if !ok || got != agentfs.HandleId(20) {
		t.Errorf("Lookup(%d) = (%v, %v), want (20, true)", fh2, got, ok)
	}

	tbl.Release(fh1)
	if _, ok := tbl.Lookup(fh1); ok {
		t.Errorf("Lookup(%d) after Release should miss", fh1)
	}
	if _, ok := tbl.Lookup(fh2); !ok {
		t.Errorf("Lookup(%d) should still hit after releasing a different fh", fh2)
	}
}

func TestHandleTableLookupMiss(t *testing.T) {
	tbl := newHandleTable()
	if _, ok := tbl.Lookup(999); ok {
		t.Error("Lookup on an empty table should miss")
	}
}
