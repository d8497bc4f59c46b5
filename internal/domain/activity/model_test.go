package activity

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMetadataRoundTrip(t *testing.T) {
	now := time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC)
	variants := []Metadata{
		OrderCreatedMeta{AccessionNo: "LAB-20260214-0007", TestNames: []string{"CBC", "LFT"}, Priority: "STAT"},
		StatusChangedMeta{OldStatus: "In Progress", NewStatus: "Pending Approval"},
		OrderLockedMeta{Reason: "billing hold"},
		SampleCollectedMeta{CollectedBy: "N. Iyer", CollectedAt: now},
		ResultEnteredMeta{ResultID: uuid.New(), TestName: "CBC", ValueCount: 12},
		ResultVerifiedMeta{ResultID: uuid.New(), TestName: "CBC", Action: "reject", Comment: "hemolyzed"},
		WorkflowEventMeta{InstanceID: uuid.New(), Event: "step.enter", StepID: "review"},
	}
	for _, m := range variants {
		t.Run(m.ActivityType(), func(t *testing.T) {
			data, err := EncodeMetadata(m)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeMetadata(m.ActivityType(), data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.ActivityType() != m.ActivityType() {
				t.Fatalf("round-trip type = %q, want %q", got.ActivityType(), m.ActivityType())
			}
		})
	}
}

func TestDecodeMetadataFields(t *testing.T) {
	in := StatusChangedMeta{OldStatus: "Completed", NewStatus: "Delivered"}
	data, err := EncodeMetadata(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeMetadata(TypeStatusChanged, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := out.(StatusChangedMeta)
	if !ok {
		t.Fatalf("decoded type = %T, want StatusChangedMeta", out)
	}
	if got != in {
		t.Fatalf("round-trip = %+v, want %+v", got, in)
	}
}

// Rows written by an older or newer binary keep unknown activity types;
// they decode to RawMeta instead of failing.
func TestDecodeUnknownTypeFallsBackToRaw(t *testing.T) {
	out, err := DecodeMetadata("specimen_discarded", []byte(`{"reason":"expired","bin":"B-4"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, ok := out.(RawMeta)
	if !ok {
		t.Fatalf("decoded type = %T, want RawMeta", out)
	}
	if raw.ActivityType() != "specimen_discarded" {
		t.Errorf("type = %q", raw.ActivityType())
	}
	if raw.Fields["reason"] != "expired" {
		t.Errorf("fields = %+v", raw.Fields)
	}

	reencoded, err := EncodeMetadata(raw)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	back, err := DecodeMetadata("specimen_discarded", reencoded)
	if err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if back.(RawMeta).Fields["bin"] != "B-4" {
		t.Error("raw fields dropped on round-trip")
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	out, err := DecodeMetadata(TypeOrderLocked, nil)
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if _, ok := out.(OrderLockedMeta); !ok {
		t.Fatalf("decoded type = %T", out)
	}
}
