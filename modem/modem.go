package modem

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/airgradient/cellular-uplink/log2"
)

const (
	// module boot time after power cycle or reset
	warmUpDelay = 10 * time.Second

	powerCycleOffDelay = 2 * time.Second

	signalUnknown = 99
)

// Modem owns the AT channel, the power line and the registration
// session state. Single caller only, mirrors the single-task core.
type Modem struct {
	Log   *log2.Log
	at    AtChannel
	power PowerControl

	ops         []OperatorInfo
	opIndex     int
	currentPLMN uint32

	iccid string

	// test seams
	sleep func(time.Duration)
	now   func() time.Time
}

func New(log *log2.Log, at AtChannel, power PowerControl) *Modem {
	if power == nil {
		power = NullPower{}
	}
	return &Modem{
		Log:   log,
		at:    at,
		power: power,
		sleep: time.Sleep,
		now:   time.Now,
	}
}

// Init brings the module to a known state: AT responsive, echo off,
// unsolicited GPRS events muted.
func (m *Modem) Init() error {
	return errors.Trace(m.Reinitialize())
}

func (m *Modem) Reinitialize() error {
	if !m.TestAT() {
		return errors.Errorf("modem: no answer to AT probe")
	}

	m.at.SendAT("E0")
	m.waitOK(atTimeoutDefault)

	m.at.SendAT("+CGEREP=0")
	m.waitOK(atTimeoutDefault)

	return nil
}

// TestAT probes the command channel.
func (m *Modem) TestAT() bool {
	for i := 0; i < 3; i++ {
		m.at.SendAT("")
		if _, st := m.at.WaitResponse(atTimeoutShort, "OK"); st == StatusOK {
			return true
		}
	}
	return false
}

// IsSimReady queries +CPIN.
func (m *Modem) IsSimReady() Status {
	m.at.SendAT("+CPIN?")
	i, st := m.at.WaitResponse(atTimeoutDefault, "+CPIN: READY", "+CPIN:")
	if st != StatusOK {
		return st
	}
	if i != 0 {
		// SIM present but locked or not ready
		return StatusFailed
	}
	m.waitOK(atTimeoutShort)
	return StatusOK
}

// SimCCID reads the SIM card identifier.
func (m *Modem) SimCCID() (string, Status) {
	m.at.SendAT("+CICCID")
	if _, st := m.at.WaitResponse(atTimeoutDefault, "+ICCID:"); st != StatusOK {
		return "", st
	}
	line, st := m.at.WaitLine(atTimeoutShort)
	if st != StatusOK {
		return "", st
	}
	m.waitOK(atTimeoutShort)
	ccid := strings.TrimSpace(line)
	m.iccid = ccid
	return ccid, StatusOK
}

// Signal reads CSQ. 99 means unknown.
func (m *Modem) Signal() (int, Status) {
	m.at.SendAT("+CSQ")
	if _, st := m.at.WaitResponse(atTimeoutDefault, "+CSQ:"); st != StatusOK {
		return signalUnknown, st
	}
	line, st := m.at.WaitLine(atTimeoutShort)
	if st != StatusOK {
		return signalUnknown, st
	}
	m.waitOK(atTimeoutShort)
	fields := strings.Split(strings.TrimSpace(line), ",")
	csq, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return signalUnknown, StatusFailed
	}
	return csq, StatusOK
}

// IPAddr reads the address of the active PDP context.
func (m *Modem) IPAddr() (string, Status) {
	m.at.SendAT("+CGPADDR=1")
	if _, st := m.at.WaitResponse(atTimeoutDefault, "+CGPADDR: 1,"); st != StatusOK {
		return "", st
	}
	line, st := m.at.WaitLine(atTimeoutShort)
	if st != StatusOK {
		return "", st
	}
	m.waitOK(atTimeoutShort)
	return strings.Trim(strings.TrimSpace(line), `"`), StatusOK
}

// Reset asks the module to restart via +CRESET and reports whether it
// accepted. It does not touch the power line; HardRestart power cycles
// when Reset returns false. The module needs warm-up afterwards.
func (m *Modem) Reset() bool {
	m.at.SendAT("+CRESET")
	if _, st := m.at.WaitResponse(atTimeoutDefault, "OK"); st == StatusOK {
		return true
	}
	return false
}

// HardRestart is reset-or-power-cycle plus warm-up and reinit.
func (m *Modem) HardRestart() error {
	if !m.Reset() {
		m.Log.Infof("modem reset refused, power cycling")
		if err := m.power.Off(); err != nil {
			m.Log.Errorf("modem power off err=%v", err)
		}
		m.sleep(powerCycleOffDelay)
		if err := m.power.On(); err != nil {
			return errors.Annotate(err, "modem power on")
		}
	}
	m.Log.Infof("modem warming up %s", warmUpDelay)
	m.sleep(warmUpDelay)
	m.at.ClearBuffer()
	return m.Reinitialize()
}

// PowerOn raises the power line. Warm-up is the caller's business.
func (m *Modem) PowerOn() error { return m.power.On() }

func (m *Modem) PowerOff() error { return m.power.Off() }

func (m *Modem) Close() error { return m.power.Close() }

// SetOperators installs the persisted operator list and the last
// successful PLMN before registration.
func (m *Modem) SetOperators(serialized string, currentPLMN uint32) {
	m.ops = ParseOperators(serialized)
	m.currentPLMN = currentPLMN
	m.opIndex = 0
	m.Log.Infof("modem operators loaded n=%d current=%d", len(m.ops), currentPLMN)
}

// SerializedOperators returns the canonical persisted form.
func (m *Modem) SerializedOperators() string { return SerializeOperators(m.ops) }

// CurrentPLMN is the last operator that reached NETWORK_READY, 0 if none.
func (m *Modem) CurrentPLMN() uint32 { return m.currentPLMN }

func (m *Modem) ICCID() string { return m.iccid }

// waitOK consumes a terminal OK, logging anything else.
func (m *Modem) waitOK(timeout time.Duration) Status {
	_, st := m.at.WaitResponse(timeout, "OK")
	if st != StatusOK {
		m.Log.Debugf("modem expected OK got %s", st)
	}
	return st
}
