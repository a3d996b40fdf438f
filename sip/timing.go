package sip

import (
	"encoding/json"
	"time"

	"braces.dev/errtrace"
)

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
)

// TimingConfig represents SIP timing config.
// Zero value uses default base values [T1], [T2], [T4], [TimeD].
// All other timings are calculated based on these base values.
type TimingConfig struct {
	t1, t2, t4,
	timeD time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a new SIP timing config with specified base values.
func NewTimings(t1, t2, t4, timeD time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD}
}

// T1 is the message RTT estimate.
// It is equal to [T1] if not specified.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
// It is equal to [T2] if not specified.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
// It is equal to [T4] if not specified.
func (c TimingConfig) T4() time.Duration {
	if c.t4 == 0 {
		return T4
	}
	return c.t4
}

// TimeB returns INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the wait duration for response retransmits via unreliable transport.
// It is equal to [TimeD] if not specified.
func (c TimingConfig) TimeD() time.Duration {
	if c.timeD == 0 {
		return TimeD
	}
	return c.timeD
}

// TimeF returns non-INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeH returns timeout for ACK request receipt.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI returns wait duration for ACK request retransmits via unreliable transport.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ returns wait duration for non-INVITE request retransmits via unreliable transport.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK returns wait duration for response retransmits via unreliable transport.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL returns the wait duration for accepted INVITE request retransmits.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM returns the wait duration for retransmission of 2xx to INVITE or
// additional 2xx from other branches of a forked INVITE.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

// TimeCancel returns how long a UAC waits for a final response to an INVITE after it sent CANCEL,
// see RFC 3261 section 9.1. It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeCancel() time.Duration { return 64 * c.T1() }

// StateTimeout returns the duration of the timer a transaction of type typ runs in state,
// either the transaction timeout or the wait for retransmissions to drain.
// Wait timers are zero on reliable transports, the second value is false if the state has no timer.
func (c TimingConfig) StateTimeout(typ TransactionType, state TransactionState, reliable bool) (time.Duration, bool) {
	wait := func(d time.Duration) (time.Duration, bool) {
		if reliable {
			return 0, true
		}
		return d, true
	}

	switch typ {
	case TransactionTypeClientInvite:
		switch state {
		case TransactionStateCalling:
			return c.TimeB(), true
		case TransactionStateCompleted:
			return wait(c.TimeD())
		case TransactionStateAccepted:
			return c.TimeM(), true
		}
	case TransactionTypeClientNonInvite:
		switch state {
		case TransactionStateTrying, TransactionStateProceeding:
			return c.TimeF(), true
		case TransactionStateCompleted:
			return wait(c.TimeK())
		}
	case TransactionTypeServerInvite:
		switch state {
		case TransactionStateCompleted:
			return c.TimeH(), true
		case TransactionStateConfirmed:
			return wait(c.TimeI())
		case TransactionStateAccepted:
			return c.TimeL(), true
		}
	case TransactionTypeServerNonInvite:
		if state == TransactionStateCompleted {
			return wait(c.TimeJ())
		}
	}
	return 0, false
}

// IsZero reports whether the config has no base values set, the defaults are used then.
func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0
}

type timingConfData struct {
	T1    time.Duration `json:"t1,omitempty"`
	T2    time.Duration `json:"t2,omitempty"`
	T4    time.Duration `json:"t4,omitempty"`
	TimeD time.Duration `json:"time_d,omitempty"`
}

func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{
		T1:    c.t1,
		T2:    c.t2,
		T4:    c.t4,
		TimeD: c.timeD,
	}))
}

func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	c.t1 = d.T1
	c.t2 = d.T2
	c.t4 = d.T4
	c.timeD = d.TimeD
	return nil
}
