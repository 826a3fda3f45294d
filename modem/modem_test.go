package modem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airgradient/cellular-uplink/log2"
)

type recordPower struct {
	events []string
}

func (rp *recordPower) On() error    { rp.events = append(rp.events, "on"); return nil }
func (rp *recordPower) Off() error   { rp.events = append(rp.events, "off"); return nil }
func (rp *recordPower) Close() error { return nil }

func TestSimCCID(t *testing.T) {
	handler := baseHandler(func(cmd string) (MockReply, bool) {
		if cmd == "+CICCID" {
			return MockReply{Response: "+ICCID:\r\nOK", Lines: []string{" 89860317482035948571"}}, true
		}
		return MockReply{}, false
	})
	m, _, _ := testModem(t, handler)

	ccid, st := m.SimCCID()
	require.Equal(t, StatusOK, st)
	assert.Equal(t, "89860317482035948571", ccid)
	assert.Equal(t, ccid, m.ICCID())
}

func TestSignalParse(t *testing.T) {
	handler := baseHandler(func(cmd string) (MockReply, bool) {
		if cmd == "+CSQ" {
			return MockReply{Response: "+CSQ:\r\nOK", Lines: []string{" 17,99"}}, true
		}
		return MockReply{}, false
	})
	m, _, _ := testModem(t, handler)

	csq, st := m.Signal()
	require.Equal(t, StatusOK, st)
	assert.Equal(t, 17, csq)
}

func TestIsSimReadyLocked(t *testing.T) {
	handler := baseHandler(func(cmd string) (MockReply, bool) {
		if cmd == "+CPIN?" {
			return MockReply{Response: "+CPIN: SIM PIN\r\nOK"}, true
		}
		return MockReply{}, false
	})
	m, _, _ := testModem(t, handler)
	assert.Equal(t, StatusFailed, m.IsSimReady())
}

func TestHardRestartFallsBackToPowerCycle(t *testing.T) {
	handler := baseHandler(func(cmd string) (MockReply, bool) {
		if cmd == "+CRESET" {
			return MockReply{Response: "ERROR"}, true
		}
		return MockReply{}, false
	})
	power := &recordPower{}
	ma := &MockAT{Handler: handler}
	m := New(log2.NewTest(t, log2.LDebug), ma, power)
	fc := &fakeClock{}
	m.sleep = fc.sleep
	m.now = fc.now

	require.NoError(t, m.HardRestart())
	assert.Equal(t, []string{"off", "on"}, power.events)
}

func TestInitProbesModule(t *testing.T) {
	m, ma, _ := testModem(t, baseHandler(nil))
	require.NoError(t, m.Init())
	assert.Contains(t, ma.Cmds, "E0")
	assert.Contains(t, ma.Cmds, "+CGEREP=0")
}

func TestInitFailsWithoutModule(t *testing.T) {
	m, _, _ := testModem(t, func(cmd string) MockReply {
		return MockReply{Timeout: true}
	})
	assert.Error(t, m.Init())
}
