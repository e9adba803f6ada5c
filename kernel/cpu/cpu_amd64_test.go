package cpu

import "testing"

func TestProcessorID(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf != 1 {
			t.Fatalf("expected CPUID leaf 1; got %d", leaf)
		}
		return 0, 3 << 24, 0, 0
	}

	if exp, got := uint8(3), ProcessorID(); got != exp {
		t.Fatalf("expected processor id %d; got %d", exp, got)
	}
}

func TestIsIntel(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		ebx, ecx, edx uint32
		exp           bool
	}{
		{0x756e6547, 0x6c65746e, 0x49656e69, true},
		{0x68747541, 0x444d4163, 0x69746e65, false},
	}

	for specIndex, spec := range specs {
		spec := spec
		cpuidFn = func(uint32) (uint32, uint32, uint32, uint32) {
			return 0, spec.ebx, spec.ecx, spec.edx
		}

		if got := IsIntel(); got != spec.exp {
			t.Errorf("[spec %d] expected IsIntel to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}
