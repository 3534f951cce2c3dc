package reqlog

import (
	"context"
	"testing"
)

func TestWithEntryRoundTripsThroughContext(t *testing.T) {
	ctx, e := WithEntry(context.Background())
	e.Set("authentication", "success")

	got := FromContext(ctx)
	if got != e {
		t.Fatal("FromContext did not return the Entry installed by WithEntry")
	}
	if len(got.Fields()) != 2 {
		t.Fatalf("Fields() = %v, want 2 elements", got.Fields())
	}
}

func TestFromContextWithoutEntryReturnsNil(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("FromContext = %v, want nil", got)
	}
}

func TestSetOverwritesSameKey(t *testing.T) {
	_, e := WithEntry(context.Background())
	e.Set("authentication", "fail")
	e.Set("authentication", "success")

	fields := e.Fields()
	var value interface{}
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == "authentication" {
			value = fields[i+1]
		}
	}
	if value != "success" {
		t.Errorf("authentication field = %v, want success", value)
	}
}

func TestNilEntrySetAndFieldsAreSafe(t *testing.T) {
	var e *Entry
	e.Set("x", 1) // must not panic
	if got := e.Fields(); got != nil {
		t.Errorf("Fields() on nil Entry = %v, want nil", got)
	}
}
