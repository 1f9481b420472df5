package streaminfo

import "testing"

func TestNewHasNoMaster(t *testing.T) {
	i := New(8.0)
	if i.HasMaster() {
		t.Error("fresh Info should have no master")
	}
}

func TestResetPreservesTpf(t *testing.T) {
	i := New(8.0)
	i.Tpf = 8.37
	i.Todo = 12
	i.Offset = 99
	i.Reset()
	if i.Tpf != 8.37 {
		t.Errorf("Reset() changed Tpf to %v, want 8.37 preserved", i.Tpf)
	}
	if i.Todo != 0 || i.Offset != 0 {
		t.Errorf("Reset() left Todo=%d Offset=%d, want 0/0", i.Todo, i.Offset)
	}
}

func TestTableAssignMaster(t *testing.T) {
	tab := NewTable(4)
	a := tab.Add(New(8.0))
	b := tab.Add(New(8.0))

	if err := tab.AssignMaster(b, a); err != nil {
		t.Fatalf("AssignMaster: %v", err)
	}
	if !tab.At(b).HasMaster() {
		t.Error("stream b should have a master after AssignMaster")
	}
	if tab.Master(b) != tab.At(a) {
		t.Error("Master(b) should be stream a")
	}
}

func TestTableAssignSelfMasterFails(t *testing.T) {
	tab := NewTable(4)
	a := tab.Add(New(8.0))
	if err := tab.AssignMaster(a, a); err == nil {
		t.Error("AssignMaster(a, a) should fail")
	}
}

func TestTableAssignOutOfRangeFails(t *testing.T) {
	tab := NewTable(4)
	a := tab.Add(New(8.0))
	if err := tab.AssignMaster(a, 99); err == nil {
		t.Error("AssignMaster with out-of-range master should fail")
	}
	if err := tab.AssignMaster(99, a); err == nil {
		t.Error("AssignMaster with out-of-range stream should fail")
	}
}
