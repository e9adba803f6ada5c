// Package apic drives the local APIC of each CPU through its memory-mapped
// register block.
package apic

import (
	"github.com/yaram/operating-system-sub000/kernel/cpu"
)

// Register cells are 32 bits wide but aligned on 16-byte boundaries, so each
// one carries 12 bytes of padding.
type apicRegister struct {
	Value uint32
	_     [12]byte
}

// Registers describes the 0x400-byte local APIC register block.
type Registers struct {
	_ [2]apicRegister

	ID      apicRegister
	Version apicRegister

	_ [4]apicRegister

	TaskPriority        apicRegister
	ArbitrationPriority apicRegister
	ProcessorPriority   apicRegister
	EndOfInterrupt      apicRegister
	RemoteRead          apicRegister
	LogicalDestination  apicRegister
	DestinationFormat   apicRegister
	SpuriousVector      apicRegister

	InService        [8]apicRegister
	TriggerMode      [8]apicRegister
	InterruptRequest [8]apicRegister

	ErrorStatus apicRegister

	_ [6]apicRegister

	LVTMachineCheck      apicRegister
	InterruptCommandLow  apicRegister
	InterruptCommandHigh apicRegister
	LVTTimer             apicRegister
	LVTThermalSensor     apicRegister
	LVTPerformanceMon    apicRegister
	LVTLINT0             apicRegister
	LVTLINT1             apicRegister
	LVTError             apicRegister
	TimerInitialCount    apicRegister
	TimerCurrentCount    apicRegister

	_ [4]apicRegister

	TimerDivide apicRegister
	_           apicRegister
}

const (
	// lvtMaskBit masks the interrupt source of an LVT entry.
	lvtMaskBit = uint32(1 << 16)

	// icrDeliveryStatusBit reads back as 1 while an IPI is in flight.
	icrDeliveryStatusBit = uint32(1 << 12)

	// icrLevelAssertBit raises the level flag of an IPI.
	icrLevelAssertBit = uint32(1 << 14)

	// icrAllExcludingSelf is the destination shorthand that targets every
	// CPU except the sender.
	icrAllExcludingSelf = uint32(0b11 << 18)

	// icrDeliveryInit selects INIT delivery mode.
	icrDeliveryInit = uint32(5 << 8)

	// icrDeliveryStartup selects STARTUP delivery mode.
	icrDeliveryStartup = uint32(6 << 8)

	// spuriousEnableBit software-enables the APIC through the spurious
	// vector register.
	spuriousEnableBit = uint32(1 << 8)
)

var pauseFn = cpu.Pause

// InitLocal puts the local APIC into a known state: every LVT source masked,
// the APIC software-enabled with spuriousVector, the timer left masked on
// timerVector and the timer divider set to 16.
func (regs *Registers) InitLocal(timerVector, spuriousVector uint8) {
	regs.LVTMachineCheck.Value |= lvtMaskBit
	regs.LVTTimer.Value |= lvtMaskBit
	regs.LVTThermalSensor.Value |= lvtMaskBit
	regs.LVTPerformanceMon.Value |= lvtMaskBit
	regs.LVTLINT0.Value |= lvtMaskBit
	regs.LVTLINT1.Value |= lvtMaskBit
	regs.LVTError.Value |= lvtMaskBit

	regs.SpuriousVector.Value = uint32(spuriousVector) | spuriousEnableBit

	regs.LVTTimer.Value = uint32(timerVector) | lvtMaskBit

	// Divide configuration value 3 selects a divider of 16.
	regs.TimerDivide.Value = 3
}

// ArmTimer loads the timer's initial count and unmasks it.
func (regs *Registers) ArmTimer(initialCount uint32) {
	regs.TimerInitialCount.Value = initialCount
	regs.LVTTimer.Value &^= lvtMaskBit
}

// MaskTimer masks the timer interrupt source.
func (regs *Registers) MaskTimer() {
	regs.LVTTimer.Value |= lvtMaskBit
}

// EOI signals completion of the in-service interrupt.
func (regs *Registers) EOI() {
	regs.EndOfInterrupt.Value = 0
}

// SendIPIAllExcludingSelf delivers vector to every CPU except the executing
// one and waits for the delivery-status bit to clear.
func (regs *Registers) SendIPIAllExcludingSelf(vector uint8) {
	regs.InterruptCommandLow.Value = uint32(vector) | icrLevelAssertBit | icrAllExcludingSelf
	regs.waitForDelivery()
}

// SendInit delivers an INIT IPI to the CPU with the given APIC id.
func (regs *Registers) SendInit(apicID uint8) {
	regs.ErrorStatus.Value = 0
	regs.InterruptCommandHigh.Value = uint32(apicID) << 24
	regs.InterruptCommandLow.Value = icrDeliveryInit | icrLevelAssertBit
	regs.waitForDelivery()
}

// SendStartup delivers a STARTUP IPI pointing the target CPU at the given
// physical page.
func (regs *Registers) SendStartup(apicID uint8, entryPage uint8) {
	regs.InterruptCommandHigh.Value = uint32(apicID) << 24
	regs.InterruptCommandLow.Value = uint32(entryPage) | icrDeliveryStartup | icrLevelAssertBit
	regs.waitForDelivery()
}

func (regs *Registers) waitForDelivery() {
	for regs.InterruptCommandLow.Value&icrDeliveryStatusBit != 0 {
		pauseFn()
	}
}
