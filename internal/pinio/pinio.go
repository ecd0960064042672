// Package pinio exposes the level primitives the rest of the firmware
// drives hardware through: digital out, PWM configure, and ADC read.
// It is the one place hardware-layer failures are surfaced as
// coreerr.KindConfiguration errors for the dispatcher to report.
package pinio

import (
	"fmt"

	"microscope-core/internal/coreerr"
)

// Pin identifies a digital output line by its board index.
type Pin int

// PWMChannel identifies one of the two LED PWM channels.
type PWMChannel int

// ADCChannel identifies one of the four ADC inputs: one Hall sensor
// per axis plus a reference.
type ADCChannel int

const (
	ADCX ADCChannel = iota
	ADCY
	ADCZ
	ADCReference
)

func (c ADCChannel) String() string {
	switch c {
	case ADCX:
		return "X"
	case ADCY:
		return "Y"
	case ADCZ:
		return "Z"
	case ADCReference:
		return "reference"
	default:
		return fmt.Sprintf("ADCChannel(%d)", int(c))
	}
}

// Controller is the level-primitive hardware contract. Implementations
// must serialize ADCRead at the bus level so readings from different
// channels never interleave mid-transaction.
type Controller interface {
	// DigitalWrite sets pin to level (true = high).
	DigitalWrite(pin Pin, level bool) error
	// PWMConfigure sets channel's frequency and duty cycle. Idempotent;
	// duty 0 disables the channel, duty 100 is always-on.
	PWMConfigure(channel PWMChannel, frequencyHz float64, dutyPercent float64) error
	// ADCRead returns the voltage measured on channel.
	ADCRead(channel ADCChannel) (volts float64, err error)
	// Close releases any underlying host resources.
	Close() error
}

// wrapHardwareErr tags a driver-level error as a configuration error.
func wrapHardwareErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return coreerr.Tag(fmt.Errorf("pinio: %s: %w", op, err), coreerr.KindConfiguration)
}
