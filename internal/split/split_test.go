package split

import (
	"errors"
	"reflect"
	"sort"
	"testing"
)

func TestKFold_ContiguousFolds(t *testing.T) {
	plan, err := KFold{K: 3}.Split(8)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []Indices{{0, 1, 2}, {3, 4, 5}, {6, 7}}
	for k, f := range plan {
		if !reflect.DeepEqual(f.Validation, want[k]) {
			t.Errorf("fold %d validation = %v, want %v", k, f.Validation, want[k])
		}
		if len(f.Train)+len(f.Validation) != 8 {
			t.Errorf("fold %d does not partition the samples", k)
		}
	}
	if err := plan.Validate(8); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

// TestKFold_ValidationCoversAllOnce checks disjointness and coverage for
// shuffled and unshuffled plans.
func TestKFold_ValidationCoversAllOnce(t *testing.T) {
	for _, s := range []KFold{{K: 5}, {K: 4, Shuffle: true, Seed: 7}, {K: 10, Shuffle: true, Seed: -3}} {
		plan, err := s.Split(23)
		if err != nil {
			t.Fatalf("%+v: %v", s, err)
		}
		var all []int
		for _, f := range plan {
			all = append(all, f.Validation...)
		}
		sort.Ints(all)
		for i, v := range all {
			if v != i {
				t.Fatalf("%+v: validation indices do not cover 0..22 exactly once: %v", s, all)
			}
		}
	}
}

func TestKFold_ShuffleIsSeeded(t *testing.T) {
	a, _ := KFold{K: 3, Shuffle: true, Seed: 42}.Split(30)
	b, _ := KFold{K: 3, Shuffle: true, Seed: 42}.Split(30)
	c, _ := KFold{K: 3, Shuffle: true, Seed: 43}.Split(30)
	if !reflect.DeepEqual(a, b) {
		t.Error("same seed must give the same plan")
	}
	if reflect.DeepEqual(a, c) {
		t.Error("different seeds should give different plans")
	}
	plain, _ := KFold{K: 3}.Split(30)
	if reflect.DeepEqual(a, plain) {
		t.Error("shuffled plan should differ from the contiguous one")
	}
}

func TestKFold_Errors(t *testing.T) {
	if _, err := (KFold{K: 1}).Split(10); err == nil {
		t.Error("k=1 should fail")
	}
	if _, err := (KFold{K: 5}).Split(4); err == nil {
		t.Error("more folds than samples should fail")
	}
}

func TestTimeSeriesSplit_ExpandingWindow(t *testing.T) {
	plan, err := TimeSeriesSplit{K: 3}.Split(8)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	// test size = 8/4 = 2; first validation block starts at 8-3*2 = 2.
	want := Plan{
		{Train: Indices{0, 1}, Validation: Indices{2, 3}},
		{Train: Indices{0, 1, 2, 3}, Validation: Indices{4, 5}},
		{Train: Indices{0, 1, 2, 3, 4, 5}, Validation: Indices{6, 7}},
	}
	if !reflect.DeepEqual(plan, want) {
		t.Fatalf("plan = %v, want %v", plan, want)
	}
}

// TestTimeSeriesSplit_TrainPrecedesValidation checks ordering across options.
func TestTimeSeriesSplit_TrainPrecedesValidation(t *testing.T) {
	cases := []TimeSeriesSplit{
		{K: 4},
		{K: 3, Gap: 2},
		{K: 3, MaxTrain: 3},
		{K: 2, TestSize: 5, Gap: 1},
	}
	for _, s := range cases {
		plan, err := s.Split(40)
		if err != nil {
			t.Fatalf("%+v: %v", s, err)
		}
		if err := plan.Validate(40); err != nil {
			t.Fatalf("%+v: %v", s, err)
		}
		prevEnd := -1
		for k, f := range plan {
			lastTrain := f.Train[len(f.Train)-1]
			firstVal := f.Validation[0]
			if lastTrain+s.Gap >= firstVal {
				t.Errorf("%+v fold %d: train ends at %d, validation starts at %d", s, k, lastTrain, firstVal)
			}
			if firstVal <= prevEnd {
				t.Errorf("%+v fold %d: validation blocks overlap or go back in time", s, k)
			}
			prevEnd = f.Validation[len(f.Validation)-1]
			if s.MaxTrain > 0 && len(f.Train) > s.MaxTrain {
				t.Errorf("%+v fold %d: train window %d exceeds cap", s, k, len(f.Train))
			}
		}
	}
}

func TestTimeSeriesSplit_Errors(t *testing.T) {
	cases := []struct {
		s TimeSeriesSplit
		n int
	}{
		{TimeSeriesSplit{K: 0}, 10},
		{TimeSeriesSplit{K: 3}, 3},
		{TimeSeriesSplit{K: 2, TestSize: 5}, 10},
		{TimeSeriesSplit{K: 2, Gap: 5}, 9},
		{TimeSeriesSplit{K: 2, Gap: -1}, 9},
	}
	for _, tc := range cases {
		if _, err := tc.s.Split(tc.n); err == nil {
			t.Errorf("%+v on %d samples should fail", tc.s, tc.n)
		}
	}
}

func TestPlanValidate(t *testing.T) {
	cases := []struct {
		name string
		plan Plan
	}{
		{"empty plan", Plan{}},
		{"empty train", Plan{{Validation: Indices{0}}}},
		{"empty validation", Plan{{Train: Indices{0}}}},
		{"out of range", Plan{{Train: Indices{0}, Validation: Indices{5}}}},
		{"negative", Plan{{Train: Indices{-1}, Validation: Indices{1}}}},
		{"overlap", Plan{{Train: Indices{0, 1}, Validation: Indices{1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.plan.Validate(3); !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("Validate = %v, want ErrInvalidPlan", err)
			}
		})
	}
}

func TestFixed(t *testing.T) {
	f := Fixed{{Train: Indices{0, 1}, Validation: Indices{2}}}
	if _, err := f.Split(3); err != nil {
		t.Errorf("Split(3): %v", err)
	}
	if _, err := f.Split(2); err == nil {
		t.Error("Split(2) should fail: index 2 out of range")
	}
}
