package uplink

import (
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"

	"github.com/airgradient/cellular-uplink/log2"
)

// Queue is the store-and-forward buffer for encoded batches. spq keeps
// items on disk, so a reboot loses nothing already parked. A reader
// goroutine owns the blocking Peek; the core task consumes items from
// Ready and answers with Done, keeping all network I/O single-tasked.
type Queue struct {
	log   *log2.Log
	q     *spq.Queue
	alive *alive.Alive

	readyCh chan []byte
	ackCh   chan bool
}

func OpenQueue(log *log2.Log, path string) (*Queue, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "uplink queue open path=%s", path)
	}
	self := &Queue{
		log:   log,
		q:     q,
		alive: alive.NewAlive(),
		// buffered so one parked item is visible to a non-blocking drain
		readyCh: make(chan []byte, 1),
		ackCh:   make(chan bool),
	}
	if !self.alive.Add(1) {
		q.Close()
		return nil, errors.Errorf("uplink queue already stopped")
	}
	go self.reader()
	return self, nil
}

// Push parks one encoded batch on disk.
func (self *Queue) Push(payload []byte) error {
	return errors.Annotate(self.q.Push(payload), "uplink queue push")
}

// Ready delivers the oldest parked batch when one exists.
func (self *Queue) Ready() <-chan []byte { return self.readyCh }

// Done acknowledges the item last taken from Ready. delivered=true
// drops it; false sends it to the back of the queue.
func (self *Queue) Done(delivered bool) {
	self.ackCh <- delivered
}

func (self *Queue) Close() {
	self.alive.Stop()
	self.q.Close()
	self.alive.Wait()
}

func (self *Queue) reader() {
	defer self.alive.Done()
	stopCh := self.alive.StopChan()
	for self.alive.IsRunning() {
		box, err := self.q.Peek()
		switch err {
		case nil:

		case spq.ErrClosed:
			return

		default:
			self.log.Errorf("uplink queue peek err=%v", err)
			return
		}

		select {
		case self.readyCh <- box.Bytes():
		case <-stopCh:
			return
		}
		var delivered bool
		select {
		case delivered = <-self.ackCh:
		case <-stopCh:
			return
		}

		if delivered {
			err = self.q.Delete(box)
		} else {
			err = self.q.DeletePush(box)
		}
		if err != nil && err != spq.ErrClosed {
			self.log.Errorf("uplink queue ack err=%v", err)
		}
	}
}
