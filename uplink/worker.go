package uplink

import (
	"time"

	"github.com/temoto/alive/v2"

	"github.com/airgradient/cellular-uplink/helpers"
	"github.com/airgradient/cellular-uplink/log2"
	"github.com/airgradient/cellular-uplink/telemetry"
)

// MeasureFunc collects the readings gathered since the last cycle.
// Sensor acquisition itself lives outside this module.
type MeasureFunc func() (*telemetry.Batch, error)

// ConfigFunc receives the raw configuration body after a fetch.
type ConfigFunc func(body string)

const (
	DefaultPostInterval  = 5 * time.Minute
	DefaultFetchInterval = 15 * time.Minute
)

// Worker is the periodic uplink task: measure, encode, post; fetch
// configuration; recover the modem when the link dies. All network
// I/O happens on this one goroutine.
type Worker struct {
	Log      *log2.Log
	Client   *Client
	Measure  MeasureFunc
	OnConfig ConfigFunc

	PostInterval  time.Duration
	FetchInterval time.Duration

	// recovery pacing after consecutive failures
	Backoff helpers.Backoff

	lastFetch time.Time
}

func NewWorker(log *log2.Log, client *Client, measure MeasureFunc) *Worker {
	return &Worker{
		Log:           log,
		Client:        client,
		Measure:       measure,
		PostInterval:  DefaultPostInterval,
		FetchInterval: DefaultFetchInterval,
		Backoff: helpers.Backoff{
			Min: 10 * time.Second,
			Max: 10 * time.Minute,
			K:   2,
		},
	}
}

// Run loops until a.Stop. Blocking is bounded by the modem timeouts.
func (w *Worker) Run(a *alive.Alive) {
	defer a.Done()
	stopCh := a.StopChan()
	tick := time.NewTicker(w.PostInterval)
	defer tick.Stop()

	for a.IsRunning() {
		select {
		case <-stopCh:
			return
		case <-tick.C:
			w.cycle()
		}
	}
}

// cycle is one measure-and-upload pass.
func (w *Worker) cycle() {
	c := w.Client

	if !c.ClientReady {
		delay := w.Backoff.DelayBefore()
		if delay > 0 {
			w.Log.Debugf("uplink recovery backoff %s", delay)
			return
		}
		err := c.EnsureConnection(true)
		w.Backoff.Update(err == nil)
		if err != nil {
			w.Log.Errorf("uplink recovery err=%v", err)
			return
		}
	}

	if w.Measure != nil {
		batch, err := w.Measure()
		switch {
		case err != nil:
			w.Log.Errorf("uplink measure err=%v", err)
		case batch == nil || batch.Len() == 0:
			w.Log.Debugf("uplink nothing to post")
		default:
			if err := c.PostMeasures(batch, true); err != nil {
				w.Log.Errorf("uplink post measures err=%v", err)
				w.Backoff.Failure()
				return
			}
			w.Backoff.Reset()
		}
	}

	w.drainQueue()

	if w.OnConfig != nil && time.Since(w.lastFetch) >= w.FetchInterval {
		body, err := c.FetchConfig(true)
		if err != nil {
			w.Log.Errorf("uplink fetch config err=%v", err)
			return
		}
		w.lastFetch = time.Now()
		w.OnConfig(body)
	}
}

// drainQueue retries parked batches oldest-first, stopping at the
// first failure to avoid hammering a dead link.
func (w *Worker) drainQueue() {
	if w.Client.Queue == nil {
		return
	}
	for {
		select {
		case payload := <-w.Client.Queue.Ready():
			// bypass PostEncoded's park-on-failure, the item is
			// already in the queue
			err := w.Client.Coap.PostMeasures(payload, true)
			w.Client.ClientReady = w.Client.Coap.ClientReady
			w.Client.Queue.Done(err == nil)
			if err != nil {
				w.Log.Infof("uplink queued batch still undeliverable err=%v", err)
				return
			}
			w.Log.Infof("uplink queued batch delivered len=%d", len(payload))
		default:
			return
		}
	}
}
