package fatal

import (
	"errors"
	"strings"
	"testing"
)

var errTest = errors.New("test cause")

func TestAssertPassesWhenTrue(t *testing.T) {
	if fe := Catch(func() { Assert(true, errTest, "unused") }); fe != nil {
		t.Fatalf("unexpected fatal: %v", fe)
	}
}

func TestAssertCarriesLocationAndCause(t *testing.T) {
	fe := Catch(func() { Assert(false, errTest, "slot %d", 3) })
	if fe == nil {
		t.Fatal("expected fatal error")
	}
	if fe.File != "fatal_test.go" {
		t.Errorf("file = %q, want fatal_test.go", fe.File)
	}
	if fe.Line == 0 {
		t.Error("line not recorded")
	}
	if !errors.Is(fe, errTest) || !errors.Is(fe, ErrFatal) {
		t.Errorf("errors.Is failed for %v", fe)
	}
	if !strings.Contains(fe.Error(), "slot 3") {
		t.Errorf("message missing: %q", fe.Error())
	}
}

func TestCatchRepanicsForeignValues(t *testing.T) {
	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("recovered %v, want boom", r)
		}
	}()
	Catch(func() { panic("boom") })
	t.Fatal("Catch swallowed a foreign panic")
}

func TestWrap(t *testing.T) {
	if Wrap(nil) != nil {
		t.Fatal("Wrap(nil) != nil")
	}
	err := Wrap(errTest)
	if !errors.Is(err, ErrFatal) || !errors.Is(err, errTest) {
		t.Fatalf("Wrap lost a sentinel: %v", err)
	}
	if Wrap(err) != err {
		t.Error("Wrap re-wrapped an already fatal error")
	}
}
