package occupancy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/Spatial-NVR/occupancy/internal/detection"
)

func frameWith(counts map[uint32]int) detection.FrameRecord {
	var items []detection.Item
	for class, n := range counts {
		for i := 0; i < n; i++ {
			items = append(items, detection.Item{ClassID: class})
		}
	}
	return detection.FrameRecord{DeviceID: "cam-1", Detections: items}
}

func windowOf(counts ...int) Window {
	w := make(Window, 0, len(counts))
	for _, c := range counts {
		w = append(w, frameWith(map[uint32]int{0: c}))
	}
	return w
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		name   string
		window Window
		want   int
	}{
		{"single frame", windowOf(4), 4},
		{"clear mode", windowOf(2, 2, 3, 3, 1, 2), 2},
		{"tie resolves to smallest", windowOf(2, 2, 3, 3, 1), 2},
		{"tie with zero", windowOf(0, 5, 0, 5), 0},
		{"all distinct", windowOf(7, 3, 9), 3},
		{"empty frames count as zero", windowOf(0, 0, 1), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Estimate(tt.window, 0)
			if !ok {
				t.Fatal("Expected an estimate")
			}
			if got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestEstimate_EmptyWindowIsUnknown(t *testing.T) {
	got, ok := Estimate(nil, 0)
	if ok {
		t.Errorf("Expected unknown estimate, got %d", got)
	}
	if _, ok := Estimate(Window{}, 0); ok {
		t.Error("Expected unknown estimate for zero-length window")
	}
}

func TestEstimate_OnlyTrackedClass(t *testing.T) {
	w := Window{
		frameWith(map[uint32]int{0: 1, 2: 5}),
		frameWith(map[uint32]int{0: 1, 2: 4}),
		frameWith(map[uint32]int{2: 4}),
	}

	if got, _ := Estimate(w, 0); got != 1 {
		t.Errorf("Expected 1 person, got %d", got)
	}
	if got, _ := Estimate(w, 2); got != 4 {
		t.Errorf("Expected 4 of class 2, got %d", got)
	}
}

func TestEstimate_OrderIndependent(t *testing.T) {
	w := windowOf(1, 4, 4, 2, 2, 3, 0, 4, 2)
	want, _ := Estimate(w, 0)

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := make(Window, len(w))
		copy(shuffled, w)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		if got, _ := Estimate(shuffled, 0); got != want {
			t.Fatalf("Permutation %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestEstimator(t *testing.T) {
	e := NewEstimator(0, 0)
	if e.Width != DefaultWidth {
		t.Errorf("Expected default width %v, got %v", DefaultWidth, e.Width)
	}

	now := time.Unix(1700000000, 0)
	from, to := e.Range(now)
	if !to.Equal(now) || !from.Equal(now.Add(-5*time.Second)) {
		t.Errorf("Unexpected range [%v, %v]", from, to)
	}

	sc, ok := e.Smooth("cam-1", windowOf(3, 3, 1), now)
	if !ok {
		t.Fatal("Expected an estimate")
	}
	if sc.DeviceID != "cam-1" || sc.Value != 3 || sc.ComputedAt != now.Unix() {
		t.Errorf("Unexpected smoothed count %+v", sc)
	}

	if _, ok := e.Smooth("cam-1", nil, now); ok {
		t.Error("Expected no estimate for empty window")
	}
}
