package postprocess

import (
	"math"
	"testing"
)

func TestSigmoid(t *testing.T) {

	if got := sigmoid(0); math.Abs(float64(got)-0.5) > 1e-6 {
		t.Errorf("Expected sigmoid(0) = 0.5, but got %f", got)
	}

	if got := sigmoid(10); got < 0.999 {
		t.Errorf("Expected sigmoid(10) close to 1, but got %f", got)
	}

	if got := sigmoid(-10); got > 0.001 {
		t.Errorf("Expected sigmoid(-10) close to 0, but got %f", got)
	}
}

func TestSoftmax(t *testing.T) {

	scores := []float32{1.0, 2.0, 3.0}
	softmax(scores)

	var sum float32

	for _, s := range scores {
		sum += s
	}

	if math.Abs(float64(sum)-1.0) > 1e-5 {
		t.Errorf("Expected probabilities to sum to 1, but got %f", sum)
	}

	if !(scores[2] > scores[1] && scores[1] > scores[0]) {
		t.Errorf("Expected score order to be preserved, got %v", scores)
	}

	// uniform input gives uniform probabilities
	uniform := []float32{4.0, 4.0, 4.0, 4.0}
	softmax(uniform)

	for i, s := range uniform {
		if math.Abs(float64(s)-0.25) > 1e-5 {
			t.Errorf("Expected uniform[%d] = 0.25, but got %f", i, s)
		}
	}

	// large scores must not overflow to NaN
	large := []float32{500.0, 400.0}
	softmax(large)

	if math.IsNaN(float64(large[0])) || large[0] < 0.999 {
		t.Errorf("Expected large score softmax close to 1, but got %f", large[0])
	}
}

func TestClamp(t *testing.T) {

	tests := []struct {
		val      float32
		min, max uint32
		want     float32
	}{
		{-5.0, 0, 416, 0},
		{500.0, 0, 416, 416},
		{100.5, 0, 416, 100.5},
		{0.0, 0, 416, 0},
	}

	for _, tc := range tests {
		if got := clamp(tc.val, tc.min, tc.max); got != tc.want {
			t.Errorf("Expected clamp(%f, %d, %d) = %f, but got %f",
				tc.val, tc.min, tc.max, tc.want, got)
		}
	}
}

func TestQuickSortIndiceInverse(t *testing.T) {

	probs := []float32{0.2, 0.9, 0.5, 0.7}
	indices := []int{0, 1, 2, 3}

	quickSortIndiceInverse(probs, 0, len(probs)-1, indices)

	wantProbs := []float32{0.9, 0.7, 0.5, 0.2}
	wantIndices := []int{1, 3, 2, 0}

	for i := range probs {
		if probs[i] != wantProbs[i] {
			t.Errorf("Expected probs[%d] = %f, but got %f", i, wantProbs[i], probs[i])
		}
		if indices[i] != wantIndices[i] {
			t.Errorf("Expected indices[%d] = %d, but got %d", i, wantIndices[i], indices[i])
		}
	}
}

func TestCalculateOverlap(t *testing.T) {

	// identical boxes
	if got := calculateOverlap(0, 0, 9, 9, 0, 0, 9, 9); math.Abs(float64(got)-1.0) > 1e-6 {
		t.Errorf("Expected identical box overlap of 1, but got %f", got)
	}

	// disjoint boxes
	if got := calculateOverlap(0, 0, 9, 9, 100, 100, 110, 110); got != 0 {
		t.Errorf("Expected disjoint box overlap of 0, but got %f", got)
	}

	// half width overlap, inclusive pixel areas: 100 and 50 with
	// intersection 50
	if got := calculateOverlap(0, 0, 9, 9, 0, 0, 4, 9); math.Abs(float64(got)-0.5) > 1e-6 {
		t.Errorf("Expected half overlap of 0.5, but got %f", got)
	}
}

func TestNMS(t *testing.T) {

	// boxes are stored as (x, y, w, h).  box 0 and box 1 overlap heavily
	// and share a class, box 2 is the same region but a different class
	locations := []float32{
		0, 0, 10, 10,
		1, 1, 10, 10,
		0, 0, 10, 10,
	}

	classIds := []int{0, 0, 1}
	order := []int{0, 1, 2}

	nms(3, locations, classIds, order, 0, 0.4)

	if order[0] != 0 {
		t.Errorf("Expected highest scored box kept, but got order[0] = %d", order[0])
	}

	if order[1] != -1 {
		t.Errorf("Expected overlapping box suppressed, but got order[1] = %d", order[1])
	}

	if order[2] != 2 {
		t.Errorf("Expected other class box kept, but got order[2] = %d", order[2])
	}

	// second pass for the other class must leave its only box alone
	nms(3, locations, classIds, order, 1, 0.4)

	if order[2] != 2 {
		t.Errorf("Expected single class box kept, but got order[2] = %d", order[2])
	}
}
