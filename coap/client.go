package coap

import (
	"time"

	"github.com/juju/errors"

	"github.com/airgradient/cellular-uplink/log2"
)

// Transport is the UDP/DNS capability the modem exposes once network
// registration completes. Receive must return a juju timeout error
// (errors.IsTimeout) when the deadline passes with no datagram.
type Transport interface {
	UDPConnect(host string, port uint16) error
	UDPDisconnect() error
	UDPSend(b []byte, host string, port uint16) error
	UDPReceive(timeout time.Duration) ([]byte, error)
	ResolveDNS(name string) (string, error)
}

const (
	// DefaultHost is the compiled-in ingestion endpoint. DefaultDomain
	// is resolved only as fallback after an all-timeout retry loop.
	DefaultHost   = "135.125.188.50"
	DefaultDomain = "coap.airgradient.com"
	DefaultPort   = 5683

	// BlockSize is 2^(SzxDefault+4).
	BlockSize  = 1024
	SzxDefault = 6

	MaxRetries            = 3
	DefaultReceiveTimeout = 10 * time.Second
)

// Client issues confirmable CoAP requests over a Transport.
// Not safe for concurrent use; the uplink core is single-tasked.
type Client struct {
	Log       *log2.Log
	Transport Transport
	// Rand supplies token and base message id together: token is the
	// high 16 bits, message id the low 16.
	Rand   func() uint32
	Serial string

	Host           string
	Port           uint16
	Domain         string
	ReceiveTimeout time.Duration

	connected bool

	LastFetchOK        bool
	LastPostOK         bool
	RegisteredOnServer bool
	ClientReady        bool
}

func NewClient(log *log2.Log, t Transport, serial string, rand func() uint32) *Client {
	return &Client{
		Log:            log,
		Transport:      t,
		Rand:           rand,
		Serial:         serial,
		Host:           DefaultHost,
		Port:           DefaultPort,
		Domain:         DefaultDomain,
		ReceiveTimeout: DefaultReceiveTimeout,
		ClientReady:    true,
	}
}

// transaction is one logical request: token and base message id drawn
// together from a single 32-bit sample.
type transaction struct {
	token   []byte
	baseMID uint16
}

func (c *Client) newTransaction() transaction {
	r := c.Rand()
	return transaction{
		token:   []byte{byte(r >> 24), byte(r >> 16)},
		baseMID: uint16(r),
	}
}

// FetchConfig GETs the device configuration. Uri-Path is the serial
// number; payload of the 2.xx response is returned verbatim.
func (c *Client) FetchConfig(keepConnection bool) (string, error) {
	if err := c.connect(); err != nil {
		c.LastFetchOK = false
		return "", errors.Annotate(err, "coap connect")
	}

	tx := c.newTransaction()
	req := &Packet{Type: CON, Code: CodeGET, MessageID: tx.baseMID, Token: tx.token}
	req.AddUriPath(c.Serial)
	buf, err := req.Marshal()
	if err != nil {
		c.LastFetchOK = false
		return "", errors.Annotate(err, "coap fetch config build")
	}

	c.Log.Infof("coap fetch config endpoint=%s:%d", c.Host, c.Port)
	resp, err := c.requestWithRetry(buf, tx)
	if err != nil {
		c.LastFetchOK = false
		return "", errors.Annotate(err, "coap fetch config")
	}
	c.ClientReady = true

	if resp.Code.Class() != 2 {
		c.Log.Errorf("coap fetch config response failed (%s)", resp.Code)
		if resp.Code.Class() == 4 {
			// server does not know this device
			c.RegisteredOnServer = false
		}
		c.LastFetchOK = false
		return "", errors.Errorf("coap fetch config response %s", resp.Code)
	}

	c.LastFetchOK = true
	c.RegisteredOnServer = true
	c.disconnect(keepConnection)

	body := string(resp.Payload)
	c.Log.Infof("coap fetch config success len=%d", len(body))
	return body, nil
}

// PostMeasures POSTs an encoded telemetry payload, using Block1
// fragmentation when it exceeds BlockSize.
func (c *Client) PostMeasures(payload []byte, keepConnection bool) error {
	if err := c.connect(); err != nil {
		c.LastPostOK = false
		return errors.Annotate(err, "coap connect")
	}

	c.Log.Infof("coap post measures endpoint=%s:%d len=%d", c.Host, c.Port, len(payload))

	var resp *Packet
	var err error
	if len(payload) > BlockSize {
		resp, err = c.postBlocks(payload)
	} else {
		resp, err = c.postSingle(payload)
	}
	if err != nil {
		c.LastPostOK = false
		return errors.Annotate(err, "coap post measures")
	}
	c.ClientReady = true

	if resp.Code.Class() != 2 {
		c.Log.Errorf("coap post measures response failed (%s)", resp.Code)
		c.LastPostOK = false
		return errors.Errorf("coap post measures response %s", resp.Code)
	}

	c.Log.Infof("coap post measures success (%s)", resp.Code)
	c.LastPostOK = true
	c.disconnect(keepConnection)
	return nil
}

func (c *Client) postSingle(payload []byte) (*Packet, error) {
	tx := c.newTransaction()
	req := &Packet{Type: CON, Code: CodePOST, MessageID: tx.baseMID, Token: tx.token, Payload: payload}
	req.AddUriPath(c.Serial)
	req.AddContentFormat(ContentFormatOctetStream)
	buf, err := req.Marshal()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c.requestWithRetry(buf, tx)
}

func (c *Client) postBlocks(payload []byte) (*Packet, error) {
	tx := c.newTransaction()
	total := len(payload)
	blocks := (total + BlockSize - 1) / BlockSize

	for num := 0; num < blocks; num++ {
		lo := num * BlockSize
		hi := lo + BlockSize
		if hi > total {
			hi = total
		}
		more := num < blocks-1

		req := &Packet{
			Type:      CON,
			Code:      CodePOST,
			MessageID: tx.baseMID + uint16(num),
			Token:     tx.token,
			Payload:   payload[lo:hi],
		}
		req.AddUriPath(c.Serial)
		req.AddContentFormat(ContentFormatOctetStream)
		req.AddBlock1(uint32(num), more, SzxDefault)
		if num == 0 {
			req.AddSize1(uint32(total))
		}
		buf, err := req.Marshal()
		if err != nil {
			return nil, errors.Trace(err)
		}

		c.Log.Debugf("coap block1 num=%d more=%t size=%d", num, more, hi-lo)
		blockTx := transaction{token: tx.token, baseMID: tx.baseMID + uint16(num)}
		resp, err := c.requestWithRetry(buf, blockTx)
		if err != nil {
			return nil, errors.Annotatef(err, "block %d/%d", num+1, blocks)
		}
		if !more {
			return resp, nil
		}
		if resp.Code != CodeContinue {
			return nil, errors.NotValidf("block %d/%d response %s want 2.31", num+1, blocks, resp.Code)
		}
	}
	panic("unreachable")
}

// requestWithRetry runs the single-exchange protocol up to MaxRetries
// times, then once more after DNS fallback when every attempt timed out
// and the endpoint is still the compiled-in default.
func (c *Client) requestWithRetry(req []byte, tx transaction) (*Packet, error) {
	resp, err := c.retryLoop(req, tx)
	if err == nil {
		return resp, nil
	}

	if !errors.IsTimeout(err) || c.Host != DefaultHost {
		return nil, errors.Trace(err)
	}

	// every attempt timed out on the default IP: try the DNS name once
	c.Log.Infof("coap endpoint %s unresponsive, falling back to DNS %s", c.Host, c.Domain)
	if derr := c.Transport.UDPDisconnect(); derr != nil {
		c.Log.Errorf("coap dns fallback disconnect err=%v", derr)
	}
	c.connected = false
	resolved, derr := c.Transport.ResolveDNS(c.Domain)
	if derr != nil {
		c.ClientReady = false
		return nil, errors.Annotate(derr, "coap dns fallback")
	}
	c.Host = resolved
	if cerr := c.connect(); cerr != nil {
		return nil, errors.Annotate(cerr, "coap dns fallback reconnect")
	}
	return c.retryLoop(req, tx)
}

// retryLoop reports a timeout error only when every attempt timed out.
func (c *Client) retryLoop(req []byte, tx transaction) (*Packet, error) {
	var last error
	allTimeout := true
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		c.Log.Debugf("coap request attempt %d/%d mid=%d", attempt, MaxRetries, tx.baseMID)
		resp, err := c.exchange(req, tx)
		if err == nil {
			return resp, nil
		}
		last = err
		if !errors.IsTimeout(err) {
			allTimeout = false
		}
		if isTransportError(err) {
			// modem signalled a hard I/O failure
			c.ClientReady = false
		}
		c.Log.Infof("coap request attempt %d/%d failed err=%v", attempt, MaxRetries, err)
	}
	if allTimeout {
		return nil, errors.NewTimeout(last, "coap retry budget exhausted")
	}
	return nil, errors.Annotate(last, "coap retry budget exhausted")
}

// exchange is one send/receive/[ack] round.
// Protocol violations come back as errors.NotValid; transport failures
// keep their cause so the retry loop can classify them.
func (c *Client) exchange(req []byte, tx transaction) (*Packet, error) {
	if err := c.Transport.UDPSend(req, c.Host, c.Port); err != nil {
		return nil, errors.Annotate(err, "udp send")
	}

	raw, err := c.Transport.UDPReceive(c.ReceiveTimeout)
	if err != nil {
		return nil, errors.Annotate(err, "udp receive")
	}

	resp, err := Parse(raw)
	if err != nil {
		return nil, errors.NotValidf("response parse: %v", err)
	}

	if resp.MessageID != tx.baseMID {
		return nil, errors.NotValidf("message id mismatch expected=%d actual=%d", tx.baseMID, resp.MessageID)
	}

	if resp.Type == ACK && resp.Code == CodeEmpty {
		// separate response: the real answer follows with its own
		// message id; token is checked on that packet instead
		c.Log.Debugf("coap empty ACK, waiting separate response")
		raw, err = c.Transport.UDPReceive(c.ReceiveTimeout)
		if err != nil {
			return nil, errors.Annotate(err, "udp receive separate")
		}
		resp, err = Parse(raw)
		if err != nil {
			return nil, errors.NotValidf("separate response parse: %v", err)
		}
		if !tokenEqual(resp.Token, tx.token) {
			return nil, errors.NotValidf("separate response token mismatch")
		}
	} else {
		if !tokenEqual(resp.Token, tx.token) {
			return nil, errors.NotValidf("response token mismatch")
		}
	}

	if resp.Type == CON {
		c.sendAck(resp.MessageID)
	}
	return resp, nil
}

// sendAck emits an empty ACK echoing mid. Failure to ack is logged,
// not fatal: the response is already in hand.
func (c *Client) sendAck(mid uint16) {
	ack := &Packet{Type: ACK, Code: CodeEmpty, MessageID: mid}
	buf, err := ack.Marshal()
	if err != nil {
		c.Log.Errorf("coap ack build err=%v", err)
		return
	}
	if err := c.Transport.UDPSend(buf, c.Host, c.Port); err != nil {
		c.Log.Errorf("coap ack send err=%v", err)
		return
	}
	c.Log.Debugf("coap ack sent mid=%d", mid)
}

// connect is idempotent: redundant UDP connects are skipped.
func (c *Client) connect() error {
	if c.connected {
		return nil
	}
	if err := c.Transport.UDPConnect(c.Host, c.Port); err != nil {
		return errors.Trace(err)
	}
	c.connected = true
	return nil
}

func (c *Client) disconnect(keepConnection bool) {
	if keepConnection {
		return
	}
	if err := c.Transport.UDPDisconnect(); err != nil {
		c.Log.Errorf("coap disconnect err=%v", err)
		return
	}
	c.connected = false
}

func tokenEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// isTransportError distinguishes hard modem I/O failures from protocol
// garbage and timeouts.
func isTransportError(err error) bool {
	return err != nil && !errors.IsTimeout(err) && !errors.IsNotValid(err)
}
