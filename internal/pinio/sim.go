package pinio

import "sync"

// Sim is an in-memory Controller used by tests and by any deployment
// without real hardware attached. Digital pin levels and PWM settings
// are observable for assertions; ADC voltages are settable so tests can
// drive the Position Estimator's reconciliation logic deterministically.
type Sim struct {
	mu sync.Mutex

	pins map[Pin]bool
	pwm  map[PWMChannel]pwmState
	adc  map[ADCChannel]float64

	// failADCOnce makes the next ADCRead on the named channel return
	// the stored error once (a simulated transient hardware fault),
	// then clears itself.
	failADCOnce map[ADCChannel]error
}

type pwmState struct {
	frequencyHz float64
	dutyPercent float64
}

// NewSim returns a Sim with all ADC channels reading 0V.
func NewSim() *Sim {
	return &Sim{
		pins:        make(map[Pin]bool),
		pwm:         make(map[PWMChannel]pwmState),
		adc:         make(map[ADCChannel]float64),
		failADCOnce: make(map[ADCChannel]error),
	}
}

func (s *Sim) DigitalWrite(pin Pin, level bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[pin] = level
	return nil
}

func (s *Sim) PinLevel(pin Pin) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[pin]
}

func (s *Sim) PWMConfigure(channel PWMChannel, frequencyHz float64, dutyPercent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pwm[channel] = pwmState{frequencyHz: frequencyHz, dutyPercent: dutyPercent}
	return nil
}

func (s *Sim) PWMState(channel PWMChannel) (frequencyHz, dutyPercent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.pwm[channel]
	return st.frequencyHz, st.dutyPercent
}

// SetADCVoltage sets the simulated reading for channel.
func (s *Sim) SetADCVoltage(channel ADCChannel, volts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adc[channel] = volts
}

// FailNextADCRead arranges for the next ADCRead(channel) call to return err.
func (s *Sim) FailNextADCRead(channel ADCChannel, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failADCOnce[channel] = err
}

func (s *Sim) ADCRead(channel ADCChannel) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failADCOnce[channel]; err != nil {
		delete(s.failADCOnce, channel)
		return 0, wrapHardwareErr("adc_read", err)
	}
	return s.adc[channel], nil
}

func (s *Sim) Close() error { return nil }

var _ Controller = (*Sim)(nil)
