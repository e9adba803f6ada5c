package main

import "github.com/yaram/operating-system-sub000/kernel/kmain"

// isFirstEntry is patched by the rt0 code: the bootstrap CPU enters with it
// set, the secondary CPUs with it clear.
var isFirstEntry bool

// main works as a trampoline for calling the actual kernel entry point. It
// is intentionally defined to prevent the Go compiler from optimizing away
// the kernel code, which it cannot see being reached from the rt0 assembly.
//
// The rt0 code invokes main after the UEFI stub has populated the bootstrap
// space and set up a minimal g0 struct so Go code can run on the bootstrap
// stack. main is not expected to return; if it does, the rt0 code halts the
// CPU.
func main() {
	kmain.Main(isFirstEntry)
}
