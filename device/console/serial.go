// Package console provides the kernel's diagnostic output sink. All
// higher-level formatting goes through kfmt; this package only moves bytes
// to the hardware.
package console

import (
	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/kfmt"
)

// com1 is the legacy address of the first serial port, which every
// virtualizer and most boards still decode.
const com1 = uint16(0x3f8)

var portWriteFn = cpu.PortWriteByte

// Serial is an io.Writer that feeds the COM1 transmit register.
type Serial struct{}

// Init programs 115200-8N1 with FIFOs enabled and registers the port as the
// kfmt output sink, draining everything buffered since boot.
func (s *Serial) Init() {
	portWriteFn(com1+1, 0x00) // mask interrupts
	portWriteFn(com1+3, 0x80) // divisor latch
	portWriteFn(com1+0, 0x01) // divisor 1: 115200 baud
	portWriteFn(com1+1, 0x00)
	portWriteFn(com1+3, 0x03) // 8N1
	portWriteFn(com1+2, 0xc7) // enable and clear FIFOs

	kfmt.SetOutputSink(s)
}

// Write implements io.Writer.
func (s *Serial) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			portWriteFn(com1, '\r')
		}
		portWriteFn(com1, b)
	}

	return len(p), nil
}

// WriteByte emits a single byte; the DebugPrint syscall funnels here.
func (s *Serial) WriteByte(b byte) {
	singleByte := [1]byte{b}
	s.Write(singleByte[:])
}
