package queueerr

import (
	"context"
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("CommandBlocking", InvalidParameter, "nil result pointer")

	if err.Op != "CommandBlocking" {
		t.Errorf("Op = %q, want CommandBlocking", err.Op)
	}
	if err.Code != InvalidParameter {
		t.Errorf("Code = %v, want InvalidParameter", err.Code)
	}

	want := "devqueue: CommandBlocking: nil result pointer"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWithDeviceTag(t *testing.T) {
	err := New("CancelByType", OperationFailed, "already running").WithDeviceTag("psu-1")

	want := "devqueue: CancelByType: already running [psu-1]"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapMapsContextCauses(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want Code
	}{
		{"deadline", context.DeadlineExceeded, Timeout},
		{"cancelled", context.Canceled, Cancelled},
		{"other", errors.New("boom"), CommFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Wrap("Execute", tt.in)
			if err.Code != tt.want {
				t.Errorf("Code = %v, want %v", err.Code, tt.want)
			}
			if !errors.Is(err, tt.in) {
				t.Errorf("expected wrapped error to satisfy errors.Is for %v", tt.in)
			}
		})
	}
}

func TestWrapPreservesStructuredError(t *testing.T) {
	inner := New("Execute", PartialData, "partial buffer").WithDeviceTag("echem-1")
	outer := Wrap("CommandBlocking", inner)

	if outer.Code != PartialData {
		t.Errorf("Code = %v, want PartialData", outer.Code)
	}
	if outer.DeviceTag != "echem-1" {
		t.Errorf("DeviceTag = %q, want echem-1", outer.DeviceTag)
	}
	if outer.Op != "CommandBlocking" {
		t.Errorf("Op = %q, want CommandBlocking", outer.Op)
	}
}

func TestAsCode(t *testing.T) {
	if AsCode(nil) != Success {
		t.Error("AsCode(nil) should be Success")
	}
	if got := AsCode(New("x", QueueFull, "")); got != QueueFull {
		t.Errorf("AsCode = %v, want QueueFull", got)
	}
	if got := AsCode(errors.New("opaque")); got != CommFailed {
		t.Errorf("AsCode = %v, want CommFailed", got)
	}
}

func TestCodeString(t *testing.T) {
	if Timeout.String() != "timeout" {
		t.Errorf("Timeout.String() = %q, want timeout", Timeout.String())
	}
	if got := Code(99).String(); got != "code(99)" {
		t.Errorf("Code(99).String() = %q, want code(99)", got)
	}
}
