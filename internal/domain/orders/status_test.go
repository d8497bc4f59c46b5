package orders

import (
	"math/rand"
	"testing"
)

func TestDeriveNextStatus(t *testing.T) {
	cases := []struct {
		name    string
		current Status
		counts  Counts
		want    Status
	}{
		{"all results entered moves to pending approval", StatusInProgress,
			Counts{TestCount: 3, ResultsWithValues: 3, ApprovedResults: 0}, StatusPendingApproval},
		{"partial results stay in progress", StatusInProgress,
			Counts{TestCount: 3, ResultsWithValues: 2, ApprovedResults: 0}, StatusInProgress},
		{"zero tests never advance", StatusInProgress,
			Counts{TestCount: 0, ResultsWithValues: 0, ApprovedResults: 0}, StatusInProgress},
		{"all approved completes", StatusPendingApproval,
			Counts{TestCount: 2, ResultsWithValues: 2, ApprovedResults: 2}, StatusCompleted},
		{"partial approval stays pending", StatusPendingApproval,
			Counts{TestCount: 2, ResultsWithValues: 2, ApprovedResults: 1}, StatusPendingApproval},
		{"approval counts do not touch earlier stages", StatusSampleCollection,
			Counts{TestCount: 2, ResultsWithValues: 2, ApprovedResults: 2}, StatusSampleCollection},
		{"completed is terminal for derivation", StatusCompleted,
			Counts{TestCount: 2, ResultsWithValues: 2, ApprovedResults: 2}, StatusCompleted},
		{"excess results still advance", StatusInProgress,
			Counts{TestCount: 2, ResultsWithValues: 3, ApprovedResults: 0}, StatusPendingApproval},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveNextStatus(tc.current, tc.counts)
			if got != tc.want {
				t.Fatalf("DeriveNextStatus(%q, %+v) = %q, want %q", tc.current, tc.counts, got, tc.want)
			}
		})
	}
}

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		name            string
		from, to        Status
		sampleCollected bool
		wantErr         bool
	}{
		{"created to collection", StatusOrderCreated, StatusSampleCollection, false, false},
		{"collection to in progress with sample", StatusSampleCollection, StatusInProgress, true, false},
		{"collection to in progress without sample", StatusSampleCollection, StatusInProgress, false, true},
		{"in progress to pending approval", StatusInProgress, StatusPendingApproval, true, false},
		{"pending approval to completed", StatusPendingApproval, StatusCompleted, true, false},
		{"completed to delivered", StatusCompleted, StatusDelivered, true, false},
		{"return for revision", StatusPendingApproval, StatusInProgress, true, false},
		{"return for revision still needs sample", StatusPendingApproval, StatusInProgress, false, true},
		{"no skipping forward", StatusOrderCreated, StatusInProgress, true, true},
		{"no skipping to delivered", StatusPendingApproval, StatusDelivered, true, true},
		{"no other backward moves", StatusCompleted, StatusInProgress, true, true},
		{"no backward from delivered", StatusDelivered, StatusCompleted, true, true},
		{"self transition rejected", StatusInProgress, StatusInProgress, true, true},
		{"unknown target rejected", StatusInProgress, Status("Archived"), true, true},
		{"unknown source rejected", Status("Draft"), StatusOrderCreated, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTransition(tc.from, tc.to, tc.sampleCollected)
			if tc.wantErr && err == nil {
				t.Fatalf("ValidateTransition(%q, %q, %v) accepted, want rejection", tc.from, tc.to, tc.sampleCollected)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("ValidateTransition(%q, %q, %v) rejected: %v", tc.from, tc.to, tc.sampleCollected, err)
			}
			if tc.wantErr && !IsInvalidTransition(err) {
				t.Fatalf("rejection is not an InvalidTransitionError: %v", err)
			}
		})
	}
}

// Drives random transition requests through the validator and checks that
// every accepted move is either one step forward along the lifecycle or
// the single return-for-revision edge, with its guards honored.
func TestValidateTransitionRandomWalk(t *testing.T) {
	all := []Status{StatusOrderCreated, StatusSampleCollection, StatusInProgress,
		StatusPendingApproval, StatusCompleted, StatusDelivered, Status("Bogus")}
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		current := StatusOrderCreated
		sampleCollected := false
		for step := 0; step < 50; step++ {
			if !sampleCollected && rng.Intn(4) == 0 {
				sampleCollected = true
			}
			target := all[rng.Intn(len(all))]
			err := ValidateTransition(current, target, sampleCollected)
			if err != nil {
				continue
			}

			forward := Rank(target) == Rank(current)+1
			revision := current == StatusPendingApproval && target == StatusInProgress
			if !forward && !revision {
				t.Fatalf("accepted %q -> %q which is neither one step forward nor return for revision", current, target)
			}
			if target == StatusInProgress && !sampleCollected {
				t.Fatalf("accepted move into %q without a collected sample", target)
			}
			if target == StatusDelivered && current != StatusCompleted {
				t.Fatalf("accepted %q -> %q before completion", current, target)
			}
			current = target
		}
	}
}
