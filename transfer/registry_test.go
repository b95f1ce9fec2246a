package transfer

import (
	"testing"
	"time"

	"github.com/pithecene-io/circuitd/clock"
	"github.com/pithecene-io/circuitd/types"
)

func testCircuit(name, version string) types.Circuit {
	return types.Circuit{
		Name:        name,
		Description: "liveness proof",
		ZKey:        types.ArtifactDescriptor{URL: "https://cdn.example.com/" + name + ".zkey", Version: version},
		Wasm:        types.ArtifactDescriptor{URL: "https://cdn.example.com/" + name + ".wasm", Version: version},
	}
}

func TestRegistry_AddNew(t *testing.T) {
	fc := clock.Fake(time.UnixMilli(1_700_000_000_000))
	r := NewRegistry(fc)

	c, res := r.Add(testCircuit("auth", "1"))
	if res != Added {
		t.Fatalf("result = %v, want added", res)
	}
	if c.TimeAdded != 1_700_000_000_000 || c.TimeUpdated != c.TimeAdded {
		t.Errorf("times = %d/%d", c.TimeAdded, c.TimeUpdated)
	}
	want := types.TransferState{Name: "auth", Loading: true}
	if c.State != want {
		t.Errorf("state = %+v, want %+v", c.State, want)
	}
}

func TestRegistry_AddSameVersionsIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(testCircuit("auth", "1"))
	r.updateState("auth", func(s *types.TransferState) { s.ZKeyProgress = 40 })

	again := testCircuit("auth", "1")
	again.Description = "changed"
	c, res := r.Add(again)
	if res != Unchanged {
		t.Fatalf("result = %v, want unchanged", res)
	}
	if c.Description != "liveness proof" || c.State.ZKeyProgress != 40 {
		t.Errorf("circuit should be untouched, got %+v", c)
	}
}

func TestRegistry_AddVersionChangeResets(t *testing.T) {
	fc := clock.Fake(time.UnixMilli(1000))
	r := NewRegistry(fc)
	r.Add(testCircuit("auth", "1"))
	r.updateState("auth", func(s *types.TransferState) {
		s.ZKeyProgress, s.WasmProgress = 100, 60
		s.Loading = false
		s.LastError = "boom"
	})

	fc.Advance(time.Minute)
	bumped := testCircuit("auth", "1")
	bumped.Wasm.Version = "2"
	bumped.Tag = "beta"
	c, res := r.Add(bumped)
	if res != Updated {
		t.Fatalf("result = %v, want updated", res)
	}
	if c.TimeAdded != 1000 || c.TimeUpdated != 1000+time.Minute.Milliseconds() {
		t.Errorf("times = %d/%d", c.TimeAdded, c.TimeUpdated)
	}
	if c.State.ZKeyProgress != 0 || c.State.WasmProgress != 0 || !c.State.Loading || c.State.LastError != "" {
		t.Errorf("state not reset: %+v", c.State)
	}
	if c.Tag != "beta" || c.Wasm.Version != "2" {
		t.Errorf("new metadata not applied: %+v", c)
	}
	if got, _ := r.Get("auth"); got.State != c.State {
		t.Errorf("stored state %+v differs from returned %+v", got.State, c.State)
	}
}

func TestRegistry_ListOrderAndClear(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"c", "a", "b"} {
		r.Add(testCircuit(name, "1"))
	}
	list := r.List()
	if len(list) != 3 || list[0].Name != "c" || list[1].Name != "a" || list[2].Name != "b" {
		t.Errorf("list order = %v", list)
	}

	list[0].Name = "mutated"
	if _, ok := r.Get("c"); !ok {
		t.Error("List must return copies")
	}

	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d", r.Len())
	}
	if _, ok := r.Get("a"); ok {
		t.Error("Get after Clear should miss")
	}
}
