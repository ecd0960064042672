package pinio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// PinMap is the fixed compile-time board wiring table; swapping boards
// means editing the table and recalibrating. Names are periph gpio pin
// names (e.g. "GPIO17").
type PinMap struct {
	DigitalPins map[Pin]string // Pin -> gpio pin name, four per axis
	PWMPins     map[PWMChannel]string
	ADCBus      string // I2C bus name the 4-channel ADC is attached to
	ADCAddr     uint16 // I2C address of the ADC
}

// Host is a Controller backed by periph.io/x/conn/v3 + periph.io/x/host/v3,
// the real GPIO/PWM/I2C abstraction this design treats digital_write,
// pwm_configure, and adc_read as primitives over.
type Host struct {
	mu sync.Mutex

	digital map[Pin]gpio.PinIO
	pwm     map[PWMChannel]gpio.PinIO
	adcBus  i2c.Bus
	adcAddr uint16
}

// NewHost initializes the periph host drivers and resolves PinMap into
// live pin handles. Any resolution failure is a configuration error,
// fatal at start-up.
func NewHost(pm PinMap) (*Host, error) {
	if _, err := host.Init(); err != nil {
		return nil, wrapHardwareErr("host_init", err)
	}

	h := &Host{
		digital: make(map[Pin]gpio.PinIO, len(pm.DigitalPins)),
		pwm:     make(map[PWMChannel]gpio.PinIO, len(pm.PWMPins)),
	}

	for pin, name := range pm.DigitalPins {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, wrapHardwareErr("digital_pin_lookup", fmt.Errorf("gpio pin %q not found", name))
		}
		if err := p.Out(gpio.Low); err != nil {
			return nil, wrapHardwareErr("digital_pin_init", err)
		}
		h.digital[pin] = p
	}

	for ch, name := range pm.PWMPins {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, wrapHardwareErr("pwm_pin_lookup", fmt.Errorf("gpio pin %q not found", name))
		}
		h.pwm[ch] = p
	}

	bus, err := i2creg.Open(pm.ADCBus)
	if err != nil {
		return nil, wrapHardwareErr("i2c_open", err)
	}
	h.adcBus = bus
	h.adcAddr = pm.ADCAddr

	return h, nil
}

func (h *Host) DigitalWrite(pin Pin, level bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.digital[pin]
	if !ok {
		return wrapHardwareErr("digital_write", fmt.Errorf("unmapped pin %d", pin))
	}
	lvl := gpio.Low
	if level {
		lvl = gpio.High
	}
	if err := p.Out(lvl); err != nil {
		return wrapHardwareErr("digital_write", err)
	}
	return nil
}

// PWMConfigure is idempotent; duty 0 disables the channel (drives it
// low), duty 100 is always-on (drives it high).
func (h *Host) PWMConfigure(channel PWMChannel, frequencyHz float64, dutyPercent float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pwm[channel]
	if !ok {
		return wrapHardwareErr("pwm_configure", fmt.Errorf("unmapped pwm channel %d", channel))
	}

	switch {
	case dutyPercent <= 0:
		return wrapHardwareErr("pwm_configure", p.Out(gpio.Low))
	case dutyPercent >= 100:
		return wrapHardwareErr("pwm_configure", p.Out(gpio.High))
	default:
		duty := gpio.Duty(dutyPercent / 100 * float64(gpio.DutyMax))
		freq := physic.Frequency(frequencyHz) * physic.Hertz
		if err := p.PWM(duty, freq); err != nil {
			return wrapHardwareErr("pwm_configure", err)
		}
		return nil
	}
}

// adcReadMu serializes the I2C bus so readings from different channels
// never interleave.
var adcReadMu sync.Mutex

// ADCRead performs a single-ended conversion on channel over I2C.
func (h *Host) ADCRead(channel ADCChannel) (float64, error) {
	adcReadMu.Lock()
	defer adcReadMu.Unlock()

	h.mu.Lock()
	bus := h.adcBus
	addr := h.adcAddr
	h.mu.Unlock()

	if bus == nil {
		return 0, wrapHardwareErr("adc_read", fmt.Errorf("adc bus not initialized"))
	}

	dev := &i2c.Dev{Bus: bus, Addr: addr}
	// Request a single-ended conversion on the given input, then read
	// back the two-byte big-endian result register.
	cmd := []byte{0x40 | byte(channel)}
	resp := make([]byte, 2)
	if err := dev.Tx(cmd, resp); err != nil {
		return 0, wrapHardwareErr("adc_read", err)
	}

	raw := int16(uint16(resp[0])<<8 | uint16(resp[1]))
	const fullScaleVolts = 3.3
	volts := float64(raw) / 32768.0 * fullScaleVolts
	return volts, nil
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if closer, ok := h.adcBus.(interface{ Close() error }); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

var _ Controller = (*Host)(nil)
