package kernel

import "testing"

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "pmm",
		Message: "error message",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected err.Error() to return %q; got %q", err.Message, err.Error())
	}

	// Errors compare by identity so call sites can switch on the global
	// error values.
	var iface error = err
	if iface != err {
		t.Fatal("expected the error to preserve identity through the error interface")
	}
}
