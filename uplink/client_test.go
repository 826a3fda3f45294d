package uplink

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airgradient/cellular-uplink/coap"
	"github.com/airgradient/cellular-uplink/log2"
	"github.com/airgradient/cellular-uplink/telemetry"
)

// scriptTransport answers every request with the scripted packet or error.
type scriptTransport struct {
	fail    bool
	replies int

	lastMID   uint16
	lastToken []byte
}

func (st *scriptTransport) UDPConnect(host string, port uint16) error { return nil }
func (st *scriptTransport) UDPDisconnect() error                      { return nil }
func (st *scriptTransport) UDPSend(b []byte, host string, port uint16) error {
	if st.fail {
		return errors.New("radio gone")
	}
	// remember the request id to answer in kind
	p, err := coap.Parse(b)
	if err != nil {
		return err
	}
	st.lastMID = p.MessageID
	st.lastToken = append([]byte(nil), p.Token...)
	return nil
}

var _ coap.Transport = (*scriptTransport)(nil)

func (st *scriptTransport) UDPReceive(timeout time.Duration) ([]byte, error) {
	if st.fail {
		return nil, errors.Timeoutf("udp receive")
	}
	st.replies++
	resp := &coap.Packet{Type: coap.ACK, Code: coap.MakeCode(2, 4), MessageID: st.lastMID, Token: st.lastToken}
	return resp.Marshal()
}

func (st *scriptTransport) ResolveDNS(name string) (string, error) {
	return "", errors.New("no dns in test")
}

func testBatch(t testing.TB) *telemetry.Batch {
	r := telemetry.Reading{CO2: 415}
	r.Set(telemetry.FlagCO2)
	b := &telemetry.Batch{Interval: 5}
	require.NoError(t, b.Add(r))
	return b
}

func TestEndpointSelection(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "cts", OneOpenAir.Endpoint(false))
	assert.Equal(t, "cts", OneOpenAirTwoPMS.Endpoint(false))
	assert.Equal(t, "cvl", MaxWithoutO3NO2.Endpoint(false))
	assert.Equal(t, "cvn", MaxWithO3NO2.Endpoint(false))
	// extended PM overrides the model split
	assert.Equal(t, "cpm", MaxWithO3NO2.Endpoint(true))
}

func TestPostMeasuresParksOnFailure(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	tr := &scriptTransport{fail: true}
	c := NewClient(log, nil)
	c.Coap = coap.NewClient(log, tr, "airgradient:AABB", func() uint32 { return 0x123404d2 })
	c.Coap.ReceiveTimeout = time.Millisecond

	q, err := OpenQueue(log, t.TempDir())
	require.NoError(t, err)
	defer q.Close()
	c.Queue = q

	batch := testBatch(t)
	require.Error(t, c.PostMeasures(batch, true))

	payload, ok := waitReady(q)
	require.True(t, ok, "batch should be parked on disk")
	expect, err := batch.Encode()
	require.NoError(t, err)
	assert.Equal(t, expect, payload)
	q.Done(false) // leave it parked
}

func TestQueueDrainDelivers(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	tr := &scriptTransport{fail: true}
	c := NewClient(log, nil)
	c.Coap = coap.NewClient(log, tr, "airgradient:AABB", func() uint32 { return 0x123404d2 })
	c.Coap.ReceiveTimeout = time.Millisecond

	q, err := OpenQueue(log, t.TempDir())
	require.NoError(t, err)
	defer q.Close()
	c.Queue = q

	require.Error(t, c.PostMeasures(testBatch(t), true))
	// radio recovers
	tr.fail = false

	w := NewWorker(log, c, nil)
	waitReadyPeek(t, q)
	w.drainQueue()
	assert.Equal(t, 1, tr.replies)

	// queue is empty again: nothing offered
	_, ok := waitReadyShort(q)
	assert.False(t, ok)
}

func TestWorkerCyclePosts(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	tr := &scriptTransport{}
	c := NewClient(log, nil)
	c.Coap = coap.NewClient(log, tr, "airgradient:AABB", func() uint32 { return 0x123404d2 })
	c.ClientReady = true

	w := NewWorker(log, c, func() (*telemetry.Batch, error) {
		return testBatch(t), nil
	})
	w.cycle()

	assert.Equal(t, 1, tr.replies)
	assert.True(t, c.Coap.LastPostOK)
}

func waitReady(q *Queue) ([]byte, bool) {
	select {
	case b := <-q.Ready():
		return b, true
	case <-time.After(2 * time.Second):
		return nil, false
	}
}

func waitReadyShort(q *Queue) ([]byte, bool) {
	select {
	case b := <-q.Ready():
		return b, true
	case <-time.After(100 * time.Millisecond):
		return nil, false
	}
}

// waitReadyPeek blocks until the queue reader has an item on offer,
// without consuming it.
func waitReadyPeek(t testing.TB, q *Queue) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(q.readyCh) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue reader did not offer the parked item")
}
