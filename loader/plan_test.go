package loader

import "testing"

func TestNewPlan(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunk     int64
		wantTotal int
		wantLast  [2]int64
	}{
		{"uneven tail", 2_500_000, 1_000_000, 3, [2]int64{2_000_000, 2_499_999}},
		{"exact multiple", 3_000_000, 1_000_000, 3, [2]int64{2_000_000, 2_999_999}},
		{"single short chunk", 10, 1_000_000, 1, [2]int64{0, 9}},
		{"one byte chunks", 3, 1, 3, [2]int64{2, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlan(tt.size, tt.chunk)
			if p.TotalChunks != tt.wantTotal {
				t.Fatalf("TotalChunks = %d, want %d", p.TotalChunks, tt.wantTotal)
			}
			start, end := p.Range(p.TotalChunks - 1)
			if start != tt.wantLast[0] || end != tt.wantLast[1] {
				t.Errorf("last range = %d-%d, want %d-%d", start, end, tt.wantLast[0], tt.wantLast[1])
			}
			for i := 0; i < p.TotalChunks-1; i++ {
				s, e := p.Range(i)
				if e-s+1 != tt.chunk {
					t.Errorf("chunk %d length = %d, want %d", i, e-s+1, tt.chunk)
				}
			}
		})
	}
}

func TestPlan_Progress(t *testing.T) {
	if got := NewPlan(0, 1024).Progress(0); got != 100 {
		t.Errorf("empty plan progress = %v, want 100", got)
	}
	p := NewPlan(2_500_000, 1_000_000)
	if got := p.Progress(3); got != 100 {
		t.Errorf("Progress(3) = %v, want 100", got)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StatePlanning: "planning", StateFilling: "filling",
		StateComplete: "complete", StateFaulted: "faulted",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
