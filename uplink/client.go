// Package uplink ties codec, CoAP engine and modem into the device
// client: bring the link up, fetch configuration, post measurements,
// park undeliverable batches on disk.
package uplink

import (
	"math/rand"
	"time"

	"github.com/juju/errors"

	"github.com/airgradient/cellular-uplink/coap"
	"github.com/airgradient/cellular-uplink/helpers"
	"github.com/airgradient/cellular-uplink/log2"
	"github.com/airgradient/cellular-uplink/modem"
	"github.com/airgradient/cellular-uplink/persist"
	"github.com/airgradient/cellular-uplink/telemetry"
)

// PayloadType selects the measurement set of the hardware model.
type PayloadType uint8

const (
	OneOpenAir PayloadType = iota
	OneOpenAirTwoPMS
	MaxWithoutO3NO2
	MaxWithO3NO2
)

// Endpoint names the HTTP ingestion path segment for this model.
// The CoAP path carries only the serial number; this selection is kept
// for the plain-HTTP fallback.
func (pt PayloadType) Endpoint(extendedPM bool) string {
	if extendedPM {
		return "cpm"
	}
	switch pt {
	case MaxWithoutO3NO2:
		return "cvl"
	case MaxWithO3NO2:
		return "cvn"
	default:
		return "cts"
	}
}

const DefaultRegistrationTimeout = 90 * time.Second

type Client struct {
	Log   *log2.Log
	Modem *modem.Modem
	Coap  *coap.Client

	Serial      string
	PayloadType PayloadType
	ExtendedPM  bool
	APN         string

	RegistrationTimeout time.Duration

	// CoAP endpoint overrides, applied when Begin builds the engine
	CoapHost           string
	CoapPort           uint16
	CoapDomain         string
	CoapReceiveTimeout time.Duration

	Store *persist.Store
	Queue *Queue

	ClientReady bool

	rand *rand.Rand
}

func NewClient(log *log2.Log, m *modem.Modem) *Client {
	return &Client{
		Log:                 log,
		Modem:               m,
		RegistrationTimeout: DefaultRegistrationTimeout,
		rand:                helpers.RandUnix(),
	}
}

func (c *Client) nextU32() uint32 { return c.rand.Uint32() }

// Begin initialises the modem, registers to the network and builds the
// CoAP engine on top of the modem transport.
func (c *Client) Begin(serial string, pt PayloadType) error {
	c.Serial = serial
	c.PayloadType = pt
	c.ClientReady = false

	if err := c.Modem.Init(); err != nil {
		return errors.Annotate(err, "uplink begin")
	}

	// engine exists from here on, so a later EnsureConnection can
	// recover even when Begin never reaches the network
	c.buildCoap()

	if st := c.Modem.IsSimReady(); st != modem.StatusOK {
		return errors.Errorf("uplink SIM not ready (%s), check the card", st)
	}
	if ccid, st := c.Modem.SimCCID(); st == modem.StatusOK {
		c.Log.Infof("uplink SIM CCID %s", ccid)
	}

	if c.Store != nil {
		c.Modem.SetOperators(c.Store.Operators, c.Store.CurrentPLMN)
	}

	if err := c.register(); err != nil {
		return errors.Annotate(err, "uplink begin")
	}
	c.ClientReady = true
	c.Log.Infof("uplink ready serial=%s endpoint-tag=%s", serial, pt.Endpoint(c.ExtendedPM))
	return nil
}

// buildCoap constructs the engine once, applying endpoint overrides.
func (c *Client) buildCoap() {
	if c.Coap != nil {
		return
	}
	c.Coap = coap.NewClient(c.Log, c.Modem.Transport(), c.Serial, c.nextU32)
	if c.CoapHost != "" {
		c.Coap.Host = c.CoapHost
	}
	if c.CoapPort != 0 {
		c.Coap.Port = c.CoapPort
	}
	if c.CoapDomain != "" {
		c.Coap.Domain = c.CoapDomain
	}
	if c.CoapReceiveTimeout != 0 {
		c.Coap.ReceiveTimeout = c.CoapReceiveTimeout
	}
}

// EnsureConnection recovers a dead link: optional hard restart, then
// reinitialise and re-register.
func (c *Client) EnsureConnection(reset bool) error {
	c.Log.Infof("uplink recovering connection reset=%t", reset)
	if reset {
		if err := c.Modem.HardRestart(); err != nil {
			c.ClientReady = false
			return errors.Annotate(err, "uplink recover")
		}
	} else {
		if err := c.Modem.Reinitialize(); err != nil {
			c.ClientReady = false
			return errors.Annotate(err, "uplink recover")
		}
	}

	if err := c.register(); err != nil {
		c.ClientReady = false
		return errors.Annotate(err, "uplink recover")
	}
	c.buildCoap()
	c.ClientReady = true
	c.Coap.ClientReady = true
	return nil
}

func (c *Client) register() error {
	err := c.Modem.StartNetworkRegistration(modem.TechAuto, c.APN, c.RegistrationTimeout, 0)
	if err != nil {
		return errors.Annotate(err, "network registration")
	}
	if c.Store != nil {
		if serr := c.Store.Save(c.Modem.SerializedOperators(), c.Modem.CurrentPLMN()); serr != nil {
			c.Log.Errorf("uplink persist operators err=%v", serr)
		}
	}
	return nil
}

// FetchConfig GETs the device configuration over CoAP.
func (c *Client) FetchConfig(keepConnection bool) (string, error) {
	body, err := c.Coap.FetchConfig(keepConnection)
	c.ClientReady = c.Coap.ClientReady
	if err != nil {
		if !c.RegisteredOnServer() {
			c.Log.Errorf("uplink fetch config failed, device not registered on server")
		}
		return "", errors.Trace(err)
	}
	return body, nil
}

// PostMeasures encodes and uploads a batch. An undeliverable batch
// goes to the disk queue for a later attempt.
func (c *Client) PostMeasures(batch *telemetry.Batch, keepConnection bool) error {
	payload, err := batch.Encode()
	if err != nil {
		return errors.Annotate(err, "uplink post measures")
	}
	return c.PostEncoded(payload, keepConnection)
}

// PostEncoded uploads an already-encoded payload.
func (c *Client) PostEncoded(payload []byte, keepConnection bool) error {
	err := c.Coap.PostMeasures(payload, keepConnection)
	c.ClientReady = c.Coap.ClientReady
	if err != nil {
		if c.Queue != nil {
			if qerr := c.Queue.Push(payload); qerr != nil {
				c.Log.Errorf("uplink queue push err=%v", qerr)
			} else {
				c.Log.Infof("uplink batch parked on disk len=%d", len(payload))
			}
		}
		return errors.Trace(err)
	}
	return nil
}

func (c *Client) RegisteredOnServer() bool { return c.Coap == nil || c.Coap.RegisteredOnServer }
