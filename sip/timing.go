package sip

import "time"

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits of a completed
	// INVITE client transaction.
	TimeD = 32 * time.Second
	// Time1xx is the interval between provisional response retransmissions
	// of an unanswered INVITE server transaction.
	Time1xx = 60 * time.Second
)

// TimingConfig represents SIP timing config.
// It is used to configure SIP timers as described in RFC 3261.
// Zero value uses default base values [T1], [T2], [T4], [TimeD], [Time1xx].
// All other timings are calculated based on these base values.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time1xx time.Duration

	timeJ    time.Duration
	timeJSet bool
}

var defTimingCfg TimingConfig

// NewTimings creates a new SIP timing config with specified base values.
// See [TimingConfig] for more details about how base timing values are used.
func NewTimings(t1, t2, t4, timeD, time1xx time.Duration) TimingConfig {
	return TimingConfig{t1: t1, t2: t2, t4: t4, timeD: timeD, time1xx: time1xx}
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

// Time1xx is the interval between provisional response retransmissions of an
// unanswered INVITE server transaction.
// It is equal to [Time1xx] if not specified.
func (c TimingConfig) Time1xx() time.Duration {
	if c.time1xx == 0 {
		return Time1xx
	}
	return c.time1xx
}

// TimeB returns INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the wait duration for response retransmits of a completed INVITE
// client transaction.
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

// TimeI returns wait duration a confirmed INVITE server transaction lingers
// to absorb ACK retransmits.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ returns wait duration a completed non-INVITE server transaction
// lingers to absorb request retransmits.
// It is equal to 64*[TimingConfig.T1] unless overridden with
// [TimingConfig.WithTimeJ]. An explicit zero makes completed non-INVITE
// server transactions terminate immediately.
func (c TimingConfig) TimeJ() time.Duration {
	if c.timeJSet {
		return c.timeJ
	}
	return 64 * c.T1()
}

// WithTimeJ returns a copy of the config with an explicit timer J value.
// Zero is a valid value and disables the completed-state linger.
func (c TimingConfig) WithTimeJ(d time.Duration) TimingConfig {
	c.timeJ = d
	c.timeJSet = true
	return c
}

// TimeK returns wait duration a completed non-INVITE client transaction
// lingers to absorb response retransmits.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL returns the wait duration for accepted INVITE request retransmits.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM returns the wait duration for retransmission of 2xx to INVITE or
// additional 2xx from other branches of a forked INVITE.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0 && c.time1xx == 0 && !c.timeJSet
}
