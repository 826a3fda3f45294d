package modem

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Transport exposes the module's UDP socket and DNS resolver to the
// CoAP engine. Valid only after StartNetworkRegistration succeeded.
// One socket, one owner: the uplink core task.
type Transport struct {
	m *Modem

	netOpen  bool
	linkOpen bool
}

const (
	udpLinkID    = 0
	udpLocalPort = 8000

	// one datagram ceiling: a CoAP block plus header and options
	udpReadMax = 1500
)

func (m *Modem) Transport() *Transport { return &Transport{m: m} }

// ensureNetOpen activates the packet service socket stack once.
func (t *Transport) ensureNetOpen() error {
	if t.netOpen {
		return nil
	}
	m := t.m
	m.at.SendAT("+NETOPEN")
	if _, st := m.at.WaitResponse(atTimeoutPDP, "+NETOPEN: 0", "+IP ERROR: Network is already opened"); st != StatusOK {
		return errors.Errorf("modem netopen st=%s", st)
	}
	t.netOpen = true
	return nil
}

func (t *Transport) UDPConnect(host string, port uint16) error {
	if t.linkOpen {
		return nil
	}
	if err := t.ensureNetOpen(); err != nil {
		return errors.Trace(err)
	}
	m := t.m
	// UDP socket is unconnected; the peer goes into every CIPSEND
	m.at.SendAT(fmt.Sprintf("+CIPOPEN=%d,\"UDP\",,,%d", udpLinkID, udpLocalPort))
	if _, st := m.at.WaitResponse(atTimeoutPDP, fmt.Sprintf("+CIPOPEN: %d,0", udpLinkID)); st != StatusOK {
		return errors.Errorf("modem udp open st=%s", st)
	}
	t.linkOpen = true
	m.Log.Debugf("modem udp open peer=%s:%d", host, port)
	return nil
}

func (t *Transport) UDPDisconnect() error {
	if !t.linkOpen {
		return nil
	}
	m := t.m
	m.at.SendAT(fmt.Sprintf("+CIPCLOSE=%d", udpLinkID))
	if _, st := m.at.WaitResponse(atTimeoutDefault, fmt.Sprintf("+CIPCLOSE: %d,0", udpLinkID)); st != StatusOK {
		return errors.Errorf("modem udp close st=%s", st)
	}
	t.linkOpen = false
	return nil
}

func (t *Transport) UDPSend(b []byte, host string, port uint16) error {
	m := t.m
	m.at.SendAT(fmt.Sprintf("+CIPSEND=%d,%d,\"%s\",%d", udpLinkID, len(b), host, port))
	if _, st := m.at.WaitResponse(atTimeoutDefault, ">"); st != StatusOK {
		return errors.Errorf("modem udp send prompt st=%s", st)
	}
	m.at.SendRaw(b)
	if _, st := m.at.WaitResponse(atTimeoutDefault, fmt.Sprintf("+CIPSEND: %d,", udpLinkID)); st != StatusOK {
		return errors.Errorf("modem udp send st=%s", st)
	}
	return nil
}

// UDPReceive blocks until a datagram arrives or timeout passes.
// Timeout comes back as a juju timeout error for the engine's DNS
// fallback classification.
func (t *Transport) UDPReceive(timeout time.Duration) ([]byte, error) {
	m := t.m

	// data-ready URC
	if _, st := m.at.WaitResponse(timeout, fmt.Sprintf("+CIPRXGET: 1,%d", udpLinkID)); st != StatusOK {
		if st == StatusTimeout {
			return nil, errors.Timeoutf("modem udp receive")
		}
		return nil, errors.Errorf("modem udp receive st=%s", st)
	}

	m.at.SendAT(fmt.Sprintf("+CIPRXGET=2,%d,%d", udpLinkID, udpReadMax))
	if _, st := m.at.WaitResponse(atTimeoutDefault, fmt.Sprintf("+CIPRXGET: 2,%d,", udpLinkID)); st != StatusOK {
		return nil, errors.Errorf("modem udp read st=%s", st)
	}
	line, st := m.at.WaitLine(atTimeoutShort)
	if st != StatusOK {
		return nil, errors.Errorf("modem udp read length st=%s", st)
	}
	// <read_len>,<rest_len>
	fields := strings.Split(strings.TrimSpace(line), ",")
	n, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || n <= 0 || n > udpReadMax {
		return nil, errors.Errorf("modem udp read bad length %q", line)
	}

	buf := make([]byte, n)
	got := m.at.RetrieveBuffer(buf, n)
	if got != n {
		return nil, errors.Errorf("modem udp read short %d/%d", got, n)
	}
	m.waitOK(atTimeoutShort)
	return buf, nil
}

// ResolveDNS queries the module resolver, returns the first address.
func (t *Transport) ResolveDNS(name string) (string, error) {
	m := t.m
	m.at.SendAT(fmt.Sprintf("+CDNSGIP=%q", name))
	if _, st := m.at.WaitResponse(atTimeoutPDP, "+CDNSGIP:"); st != StatusOK {
		return "", errors.Errorf("modem dns st=%s", st)
	}
	line, st := m.at.WaitLine(atTimeoutShort)
	if st != StatusOK {
		return "", errors.Errorf("modem dns line st=%s", st)
	}
	m.waitOK(atTimeoutShort)

	// 1,"<domain>","<ip>"[,"<ip6>"]
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 3 || strings.TrimSpace(fields[0]) != "1" {
		return "", errors.Errorf("modem dns failed %q", line)
	}
	ip := strings.Trim(strings.TrimSpace(fields[2]), `"`)
	if ip == "" {
		return "", errors.Errorf("modem dns empty address")
	}
	m.Log.Infof("modem dns %s -> %s", name, ip)
	return ip, nil
}
