package doc

import (
	"errors"
	"testing"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"queued to running", StatusQueued, StatusRunning, true},
		{"running to ocr", StatusRunning, StatusOCR, true},
		{"skip optional stages", StatusExtracting, StatusCompleted, true},
		{"fail from any active", StatusClassifying, StatusFailed, true},
		{"fail from queued", StatusQueued, StatusFailed, true},
		{"backwards", StatusExtracting, StatusOCR, false},
		{"self", StatusOCR, StatusOCR, false},
		{"out of completed", StatusCompleted, StatusRunning, false},
		{"out of failed", StatusFailed, StatusQueued, false},
		{"unknown target", StatusRunning, Status("BOGUS"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.from.CanTransition(tt.to)
			if tt.ok && err != nil {
				t.Errorf("CanTransition(%s -> %s) = %v, want nil", tt.from, tt.to, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("CanTransition(%s -> %s) = nil, want error", tt.from, tt.to)
			}
		})
	}
}

func TestTransitionStampsTimes(t *testing.T) {
	d := New("doc-1", Location{Bucket: "b", Key: "k"}, "out")

	if err := d.Transition(StatusRunning); err != nil {
		t.Fatalf("Transition(RUNNING) = %v", err)
	}
	if d.StartedAt == nil {
		t.Error("StartedAt not set after RUNNING")
	}
	if d.CompletedAt != nil {
		t.Error("CompletedAt set before terminal status")
	}

	if err := d.Transition(StatusFailed); err != nil {
		t.Fatalf("Transition(FAILED) = %v", err)
	}
	if d.CompletedAt == nil {
		t.Error("CompletedAt not set after FAILED")
	}

	if err := d.Transition(StatusRunning); err == nil {
		t.Error("Transition out of FAILED succeeded, want error")
	}
}

func TestPageIDsInOrder(t *testing.T) {
	d := New("doc-1", Location{Bucket: "b", Key: "k"}, "out")
	for _, id := range []string{"0010", "0002", "0001"} {
		d.AddPage(&Page{ID: id})
	}

	got := d.PageIDsInOrder()
	want := []string{"0001", "0002", "0010"}
	if len(got) != len(want) {
		t.Fatalf("PageIDsInOrder() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PageIDsInOrder()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if d.NumPages != 3 {
		t.Errorf("NumPages = %d, want 3", d.NumPages)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Document {
		d := New("doc-1", Location{Bucket: "b", Key: "k"}, "out")
		d.AddPage(&Page{ID: "0001"})
		d.AddPage(&Page{ID: "0002"})
		d.AddPage(&Page{ID: "0003"})
		return d
	}

	tests := []struct {
		name   string
		mutate func(*Document)
		ok     bool
	}{
		{"no sections yet", func(d *Document) {}, true},
		{
			"full coverage",
			func(d *Document) {
				d.Sections = []*Section{
					{ID: "1", Classification: "invoice", PageIDs: []string{"0001", "0002"}},
					{ID: "2", Classification: "receipt", PageIDs: []string{"0003"}},
				}
			},
			true,
		},
		{
			"page counted twice",
			func(d *Document) {
				d.Sections = []*Section{
					{ID: "1", PageIDs: []string{"0001", "0002"}},
					{ID: "2", PageIDs: []string{"0002", "0003"}},
				}
			},
			false,
		},
		{
			"unknown page reference",
			func(d *Document) {
				d.Sections = []*Section{
					{ID: "1", PageIDs: []string{"0001", "0002", "0003", "0099"}},
				}
			},
			false,
		},
		{
			"partial coverage",
			func(d *Document) {
				d.Sections = []*Section{
					{ID: "1", PageIDs: []string{"0001"}},
				}
			},
			false,
		},
		{
			"sections out of order",
			func(d *Document) {
				d.Sections = []*Section{
					{ID: "1", PageIDs: []string{"0003"}},
					{ID: "2", PageIDs: []string{"0001", "0002"}},
				}
			},
			false,
		},
		{
			"empty section",
			func(d *Document) {
				d.Sections = []*Section{
					{ID: "1", PageIDs: []string{"0001", "0002", "0003"}},
					{ID: "2"},
				}
			},
			false,
		},
		{
			"num pages drift",
			func(d *Document) { d.NumPages = 7 },
			false,
		},
		{
			"negative metering",
			func(d *Document) {
				d.Metering = Metering{"ocr": {"input_tokens": -1}}
			},
			false,
		},
		{
			"unknown status",
			func(d *Document) { d.Status = Status("BOGUS") },
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(d)
			err := d.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrInvariant) {
					t.Errorf("Validate() = %v, want ErrInvariant", err)
				}
			}
		})
	}
}
