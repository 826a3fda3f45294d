package modem

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// CellTechnology selects the radio access technology for registration.
type CellTechnology uint8

const (
	TechAuto CellTechnology = iota
	TechGSM
	TechLTE
)

// +CNMP mode values
func (ct CellTechnology) cnmpMode() int {
	switch ct {
	case TechGSM:
		return 13
	case TechLTE:
		return 38
	default:
		return 2
	}
}

type registrationState uint8

const (
	stateCheckModuleReady registrationState = iota
	statePrepareModule
	stateScanOperator
	stateConfigureManualNetwork
	stateCheckNetworkRegistration
	stateCheckServiceStatus
	stateNetworkReady
	stateOperatorListExhausted
)

func (s registrationState) String() string {
	switch s {
	case stateCheckModuleReady:
		return "CHECK_MODULE_READY"
	case statePrepareModule:
		return "PREPARE_MODULE"
	case stateScanOperator:
		return "SCAN_OPERATOR"
	case stateConfigureManualNetwork:
		return "CONFIGURE_MANUAL_NETWORK"
	case stateCheckNetworkRegistration:
		return "CHECK_NETWORK_REGISTRATION"
	case stateCheckServiceStatus:
		return "CHECK_SERVICE_STATUS"
	case stateNetworkReady:
		return "NETWORK_READY"
	case stateOperatorListExhausted:
		return "OPERATOR_LIST_EXHAUSTED"
	}
	return fmt.Sprintf("registrationState(%d)", uint8(s))
}

const (
	DefaultOperationTimeout = 90 * time.Second
	DefaultScanTimeout      = 600 * time.Second

	perOperatorTimeout    = 60 * time.Second
	serviceStatusTimeout  = 30 * time.Second
	deniedConfirmWindow   = 10 * time.Second
	deniedConfirmInterval = 1 * time.Second
	regisRetryDelay       = 1 * time.Second
	regisPollDelay        = 3 * time.Second

	maxOperatorListExhaustion = 3

	minUsableSignal = 10
)

// registration carries the per-run deadlines and counters of the flat
// state machine. Deadlines are monotonic targets reset on state entry.
type registration struct {
	m   *Modem
	apn string
	ct  CellTechnology

	scanTimeout time.Duration

	operationDeadline time.Time
	operatorDeadline  time.Time // 60s per manually selected operator
	serviceDeadline   time.Time // 30s in CHECK_SERVICE_STATUS

	exhaustedCount int
	aborted        error
}

// StartNetworkRegistration drives the module to NETWORK_READY or fails
// within operationTimeout. Zero durations select the defaults.
func (m *Modem) StartNetworkRegistration(ct CellTechnology, apn string, operationTimeout, scanTimeout time.Duration) error {
	if operationTimeout == 0 {
		operationTimeout = DefaultOperationTimeout
	}
	if scanTimeout == 0 {
		scanTimeout = DefaultScanTimeout
	}

	r := &registration{
		m:                 m,
		apn:               apn,
		ct:                ct,
		scanTimeout:       scanTimeout,
		operationDeadline: m.now().Add(operationTimeout),
	}

	m.Log.Infof("modem registration start operation-timeout=%s scan-timeout=%s", operationTimeout, scanTimeout)

	state := stateCheckModuleReady
	for m.now().Before(r.operationDeadline) {
		next := r.step(state)
		if r.aborted != nil {
			m.Log.Errorf("modem registration aborted state=%s err=%v", state, r.aborted)
			return errors.Trace(r.aborted)
		}
		if next == stateNetworkReady && state == stateNetworkReady {
			m.Log.Infof("modem registration complete operator=%d", m.currentPLMN)
			return nil
		}
		if next != state {
			m.Log.Debugf("modem registration %s -> %s", state, next)
		}
		state = next
	}

	return errors.Timeoutf("modem registration state=%s", state)
}

func (r *registration) step(state registrationState) registrationState {
	switch state {
	case stateCheckModuleReady:
		return r.stepCheckModuleReady()
	case statePrepareModule:
		return r.stepPrepareModule()
	case stateScanOperator:
		return r.stepScanOperator()
	case stateConfigureManualNetwork:
		next := r.stepConfigureManualNetwork()
		if next == stateCheckNetworkRegistration {
			r.operatorDeadline = r.m.now().Add(perOperatorTimeout)
		}
		return next
	case stateCheckNetworkRegistration:
		next := r.stepCheckNetworkRegistration()
		if next == stateCheckServiceStatus {
			r.serviceDeadline = r.m.now().Add(serviceStatusTimeout)
		}
		return next
	case stateCheckServiceStatus:
		next := r.stepCheckServiceStatus()
		if next == stateCheckServiceStatus && !r.m.now().Before(r.serviceDeadline) {
			r.m.Log.Infof("modem service status timed out, re-checking registration")
			r.operatorDeadline = r.m.now().Add(perOperatorTimeout)
			return stateCheckNetworkRegistration
		}
		return next
	case stateNetworkReady:
		return r.stepNetworkReady()
	case stateOperatorListExhausted:
		return r.stepOperatorListExhausted()
	}
	r.aborted = errors.Errorf("modem registration unknown state %d", state)
	return state
}

func (r *registration) stepCheckModuleReady() registrationState {
	m := r.m
	if !m.TestAT() {
		m.sleep(regisRetryDelay)
		return stateCheckModuleReady
	}
	switch st := m.IsSimReady(); st {
	case StatusOK:
	case StatusError:
		r.aborted = errors.Errorf("modem SIM not usable, check the card")
		return stateCheckModuleReady
	default:
		m.sleep(regisRetryDelay)
		return stateCheckModuleReady
	}
	m.Log.Infof("modem module and SIM ready")
	return statePrepareModule
}

func (r *registration) stepPrepareModule() registrationState {
	m := r.m

	// mute registration URCs, status is polled instead
	for _, cmd := range []string{"+CREG=0", "+CGREG=0", "+CEREG=0"} {
		m.at.SendAT(cmd)
		if st := m.waitOK(atTimeoutDefault); st == StatusTimeout {
			return stateCheckModuleReady
		}
	}

	m.at.SendAT(fmt.Sprintf("+CNMP=%d", r.ct.cnmpMode()))
	if st := m.waitOK(atTimeoutDefault); st != StatusOK {
		m.Log.Infof("modem apply technology failed st=%s", st)
		return stateCheckModuleReady
	}

	m.at.SendAT(fmt.Sprintf("+CGDCONT=1,\"IP\",%q", r.apn))
	if st := m.waitOK(atTimeoutDefault); st == StatusTimeout {
		return stateCheckModuleReady
	}

	if len(m.ops) == 0 {
		m.Log.Infof("modem no operator list, scanning")
		return stateScanOperator
	}
	m.Log.Infof("modem operator list present n=%d", len(m.ops))
	return stateConfigureManualNetwork
}

func (r *registration) stepScanOperator() registrationState {
	m := r.m
	m.Log.Infof("modem scanning operators, up to %s", r.scanTimeout)

	m.at.SendAT("+COPS=?")
	if _, st := m.at.WaitResponse(r.scanTimeout, "+COPS: "); st != StatusOK {
		m.Log.Infof("modem operator scan failed st=%s", st)
		return stateCheckModuleReady
	}
	line, st := m.at.WaitLine(atTimeoutShort)
	if st != StatusOK {
		return stateCheckModuleReady
	}
	m.waitOK(atTimeoutShort)

	ops := parseCopsScan(line)
	if len(ops) == 0 {
		m.Log.Infof("modem operator scan returned nothing")
		return stateCheckModuleReady
	}
	m.ops = ops
	m.opIndex = 0
	m.Log.Infof("modem operator scan found n=%d", len(ops))
	return stateConfigureManualNetwork
}

func (r *registration) stepConfigureManualNetwork() registrationState {
	m := r.m

	// previously successful operator goes first
	if m.currentPLMN != 0 && m.opIndex == 0 {
		for i := range m.ops {
			if m.ops[i].PLMN == m.currentPLMN {
				m.opIndex = i
				m.Log.Infof("modem trying saved operator %d first", m.currentPLMN)
				break
			}
		}
	}

	if len(m.ops) == 0 || m.opIndex >= len(m.ops) {
		m.Log.Infof("modem operator list exhausted")
		return stateOperatorListExhausted
	}

	op := m.ops[m.opIndex]
	m.Log.Infof("modem selecting operator %s (%d/%d)", op, m.opIndex+1, len(m.ops))

	m.at.SendAT(fmt.Sprintf("+COPS=1,2,\"%d\",%d", op.PLMN, op.AccessTech))
	switch _, st := m.at.WaitResponse(atTimeoutCops, "OK"); st {
	case StatusOK:
	case StatusTimeout:
		m.opIndex++
		return stateCheckModuleReady
	default:
		m.Log.Infof("modem operator %s refused st=%s", op, st)
		m.opIndex++
		return stateConfigureManualNetwork
	}

	return stateCheckNetworkRegistration
}

func (r *registration) stepCheckNetworkRegistration() registrationState {
	m := r.m

	rs, st := r.registrationStatus()
	if st == StatusTimeout {
		return stateCheckModuleReady
	}
	if st != StatusOK {
		m.sleep(regisRetryDelay)
		return stateCheckNetworkRegistration
	}

	signal, sigStatus := m.Signal()
	m.Log.Infof("modem registration stat=%d signal=%d", rs.Stat, signal)

	if rs.Registered() {
		if sigStatus == StatusTimeout {
			return stateCheckModuleReady
		}
		if signal < 1 || signal > 31 {
			m.Log.Infof("modem invalid signal %d", signal)
			m.sleep(regisRetryDelay)
			return stateCheckNetworkRegistration
		}
		if signal < minUsableSignal {
			m.Log.Infof("modem operator %d signal too weak csq=%d, next", m.ops[m.opIndex].PLMN, signal)
			m.currentPLMN = 0
			m.opIndex++
			m.sleep(regisRetryDelay)
			return stateConfigureManualNetwork
		}
		return stateCheckServiceStatus
	}

	if rs.Denied() {
		// a denied/emergency status during attach may be transient,
		// believe it only after a confirmation window
		m.Log.Infof("modem registration denied stat=%d, confirming for %s", rs.Stat, deniedConfirmWindow)
		confirmDeadline := m.now().Add(deniedConfirmWindow)
		for m.now().Before(confirmDeadline) {
			m.sleep(deniedConfirmInterval)
			again, ast := r.registrationStatus()
			if ast != StatusOK {
				continue
			}
			if again.Registered() {
				m.Log.Infof("modem registration recovered during confirmation stat=%d", again.Stat)
				return stateCheckNetworkRegistration
			}
			rs = again
		}
		if rs.Denied() {
			m.Log.Infof("modem registration still denied stat=%d, next operator", rs.Stat)
			m.currentPLMN = 0
			m.opIndex++
			return stateConfigureManualNetwork
		}
		return stateCheckNetworkRegistration
	}

	if !m.now().Before(r.operatorDeadline) {
		m.Log.Infof("modem operator did not register within %s, next", perOperatorTimeout)
		m.currentPLMN = 0
		m.opIndex++
		return stateConfigureManualNetwork
	}

	m.sleep(regisPollDelay)
	return stateCheckNetworkRegistration
}

func (r *registration) stepCheckServiceStatus() registrationState {
	m := r.m

	// UE system information, logged for diagnostics
	m.at.SendAT("+CPSI?")
	m.waitOK(atTimeoutDefault)

	switch st := r.serviceAvailable(); st {
	case StatusOK:
	case StatusTimeout:
		return stateCheckModuleReady
	default:
		m.sleep(regisRetryDelay)
		return stateCheckServiceStatus
	}

	switch st := r.activatePDPContext(); st {
	case StatusOK:
	case StatusTimeout:
		return stateCheckModuleReady
	default:
		m.Log.Infof("modem PDP activation failed st=%s", st)
		m.sleep(regisRetryDelay)
		return stateCheckServiceStatus
	}

	switch st := r.ensurePacketDomainAttached(); st {
	case StatusOK:
	case StatusTimeout:
		return stateCheckModuleReady
	default:
		m.sleep(regisRetryDelay)
		return stateCheckServiceStatus
	}

	m.Log.Infof("modem service ready")
	return stateNetworkReady
}

func (r *registration) stepNetworkReady() registrationState {
	m := r.m

	signal, st := m.Signal()
	if st == StatusTimeout {
		return stateCheckModuleReady
	}
	if signal < 1 || signal > 31 {
		m.Log.Infof("modem invalid signal %d at final check", signal)
		m.sleep(regisRetryDelay)
		return stateCheckServiceStatus
	}

	ip, st := m.IPAddr()
	if st != StatusOK || ip == "" {
		m.Log.Infof("modem no IP address yet")
		return stateCheckServiceStatus
	}
	m.Log.Infof("modem signal=%d ip=%s", signal, ip)

	if m.opIndex < len(m.ops) {
		m.currentPLMN = m.ops[m.opIndex].PLMN
		m.Log.Infof("modem operator %d saved for next boot", m.currentPLMN)
	}
	return stateNetworkReady
}

func (r *registration) stepOperatorListExhausted() registrationState {
	m := r.m
	r.exhaustedCount++
	m.Log.Infof("modem operator list exhausted pass %d/%d", r.exhaustedCount, maxOperatorListExhaustion)

	if r.exhaustedCount >= maxOperatorListExhaustion {
		m.ops = nil
		m.currentPLMN = 0
		m.opIndex = 0
		r.aborted = errors.Errorf("modem no operator accepted registration after %d passes", maxOperatorListExhaustion)
		return stateOperatorListExhausted
	}

	// clean slate: some networks latch a denied state until module restart
	if err := m.HardRestart(); err != nil {
		m.Log.Errorf("modem restart err=%v", err)
	}
	m.opIndex = 0
	return stateCheckModuleReady
}

func (r *registration) registrationStatus() (RegistrationStatus, Status) {
	m := r.m
	m.at.SendAT("+CEREG?")
	if _, st := m.at.WaitResponse(atTimeoutDefault, "+CEREG:"); st != StatusOK {
		return RegistrationStatus{}, st
	}
	line, st := m.at.WaitLine(atTimeoutShort)
	if st != StatusOK {
		return RegistrationStatus{}, st
	}
	m.waitOK(atTimeoutShort)

	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 {
		return RegistrationStatus{}, StatusFailed
	}
	mode, err1 := strconv.Atoi(strings.TrimSpace(fields[0]))
	stat, err2 := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err1 != nil || err2 != nil {
		return RegistrationStatus{}, StatusFailed
	}
	return RegistrationStatus{Mode: mode, Stat: stat}, StatusOK
}

func (r *registration) serviceAvailable() Status {
	m := r.m
	m.at.SendAT("+CNSMOD?")
	if _, st := m.at.WaitResponse(atTimeoutDefault, "+CNSMOD:"); st != StatusOK {
		return st
	}
	line, st := m.at.WaitLine(atTimeoutShort)
	if st != StatusOK {
		return st
	}
	m.waitOK(atTimeoutShort)

	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 {
		return StatusFailed
	}
	// second field is the active network system mode, 0 = no service
	if strings.TrimSpace(fields[1]) == "0" {
		return StatusFailed
	}
	return StatusOK
}

func (r *registration) activatePDPContext() Status {
	m := r.m
	m.at.SendAT("+CGACT=1,1")
	_, st := m.at.WaitResponse(atTimeoutPDP, "OK")
	return st
}

func (r *registration) ensurePacketDomainAttached() Status {
	m := r.m
	m.at.SendAT("+CGATT?")
	if _, st := m.at.WaitResponse(atTimeoutDefault, "+CGATT:"); st != StatusOK {
		return st
	}
	line, st := m.at.WaitLine(atTimeoutShort)
	if st != StatusOK {
		return st
	}
	m.waitOK(atTimeoutShort)

	if strings.TrimSpace(line) == "1" {
		return StatusOK
	}

	m.Log.Infof("modem packet domain not attached, attaching")
	m.at.SendAT("+CGATT=1")
	if st := m.waitOK(atTimeoutPDP); st == StatusTimeout {
		return StatusTimeout
	}
	// re-checked on next pass through CHECK_SERVICE_STATUS
	return StatusFailed
}
