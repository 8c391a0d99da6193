package rebalance

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/pkg/common"
)

var ErrNoSupplier = errors.New("no owner can supply the partition")

const maxCallAttempts = 5

// Caller reaches the node service of another node.
type Caller interface {
	CallNode(ctx context.Context, nodeId int, method string, args interface{}, reply interface{}) error
}

// Sink applies a demander's results to its local partition. Methods fail with
// common.ErrSessionUnknown once d no longer owns the partition's session slot.
type Sink interface {
	LastCounter(d *Demander) (uint64, error)
	// Begin clears the partition for a full transfer and lets it accept
	// mutations replicated by the primary from now on.
	Begin(d *Demander) error
	Apply(d *Demander, ms []common.Mutation) error
	Complete(d *Demander, final uint64) error
	// Discard drops partial state left by d unless the partition is owned by now.
	Discard(d *Demander)
}

type DemanderConfig struct {
	Self           int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// Demander fills one MOVING_TO partition for one topology version.
type Demander struct {
	Pid       int
	Version   int64
	Suppliers []int
	Primary   bool

	conf   DemanderConfig
	caller Caller
	sink   Sink
	log    *logrus.Logger
	tsr    *common.ThreadSafeRand

	ctx    context.Context
	cancel context.CancelFunc
	prev   *Demander
	doneC  chan struct{}

	completed bool
	Attempts  int
}

// StartDemander runs a session in the background once prev, if any, has exited.
func StartDemander(pid int, version int64, suppliers []int, primary bool, prev *Demander,
	conf DemanderConfig, caller Caller, sink Sink, logger *logrus.Logger) *Demander {

	ctx, cancel := context.WithCancel(context.Background())
	d := &Demander{
		Pid:       pid,
		Version:   version,
		Suppliers: suppliers,
		Primary:   primary,
		conf:      conf,
		caller:    caller,
		sink:      sink,
		log:       logger,
		tsr:       common.MakeThreadSafeRand(time.Now().UnixNano() + int64(pid)),
		ctx:       ctx,
		cancel:    cancel,
		prev:      prev,
		doneC:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Cancel implements partition.Session. It does not wait for the session to exit.
func (d *Demander) Cancel() {
	d.cancel()
}

func (d *Demander) Done() <-chan struct{} {
	return d.doneC
}

// Completed reports whether the partition reached OWNING through this session.
func (d *Demander) Completed() bool {
	select {
	case <-d.doneC:
		return d.completed
	default:
		return false
	}
}

func (d *Demander) run() {
	defer close(d.doneC)
	if d.prev != nil {
		<-d.prev.Done()
		d.prev = nil
	}

	fresh := true
	for {
		if d.ctx.Err() != nil {
			demandSessions.WithLabelValues("cancelled").Inc()
			return
		}
		d.Attempts++

		var last uint64
		if fresh {
			c, err := d.sink.LastCounter(d)
			if err != nil {
				d.log.Infof("Demander: partition %d version %d stops: %v", d.Pid, d.Version, err)
				demandSessions.WithLabelValues("cancelled").Inc()
				return
			}
			last = c
		}

		done, dirty, err := d.attempt(last)
		if done {
			d.completed = true
			demandSessions.WithLabelValues("completed").Inc()
			return
		}
		if dirty {
			// partial transfers are never kept across a retry
			d.sink.Discard(d)
			fresh = false
		}
		if errors.Is(err, common.ErrSessionUnknown) && d.ctx.Err() != nil {
			demandSessions.WithLabelValues("cancelled").Inc()
			return
		}
		if errors.Is(err, ErrNoSupplier) && d.Primary {
			d.log.Warnf("Demander: partition %d version %d: no owner can supply, primary takes over with local data", d.Pid, d.Version)
			if err := d.sink.Complete(d, 0); err == nil {
				d.completed = true
				demandSessions.WithLabelValues("takeover").Inc()
			}
			return
		}
		d.log.Debugf("Demander: partition %d version %d attempt %d failed: %v", d.Pid, d.Version, d.Attempts, err)
		demandSessions.WithLabelValues("retried").Inc()

		select {
		case <-d.ctx.Done():
		case <-time.After(d.tsr.Jitter(d.conf.RetryInterval)):
		}
	}
}

// attempt asks each supplier in turn. dirty reports whether local state was touched.
func (d *Demander) attempt(last uint64) (done bool, dirty bool, err error) {
	notReady := 0
	for _, supplier := range d.Suppliers {
		args := common.DemandArgs{
			BaseArgs:    common.BaseArgs{Version: d.Version, From: d.conf.Self},
			Partition:   d.Pid,
			LastCounter: last,
		}
		reply := common.DemandReply{}
		if err = d.call(supplier, netw.ApiDemand, &args, &reply); err != nil {
			d.log.Debugf("Demander: partition %d demand to %d failed: %v", d.Pid, supplier, err)
			continue
		}
		switch reply.Err {
		case common.OK:
		case common.ErrNotReady, common.ErrWrongOwner, common.ErrLost:
			notReady++
			err = reply.Err.ToError()
			continue
		default:
			return false, false, reply.Err.ToError()
		}

		if reply.UpToDate {
			d.log.Infof("Demander: partition %d is up to date with %d at counter %d", d.Pid, supplier, reply.SnapshotCounter)
			if err = d.sink.Complete(d, reply.SnapshotCounter); err != nil {
				return false, false, err
			}
			return true, false, nil
		}

		dirty, err = d.transfer(supplier, reply.Session, reply.SnapshotCounter)
		if err != nil {
			cancelArgs := common.CancelArgs{
				BaseArgs: common.BaseArgs{Version: d.Version, From: d.conf.Self},
				Session:  reply.Session,
			}
			ctx, cancel := context.WithTimeout(context.Background(), d.conf.RequestTimeout)
			_ = d.caller.CallNode(ctx, supplier, netw.ApiCancel, &cancelArgs, &common.CancelReply{})
			cancel()
			return false, dirty, err
		}
		return true, true, nil
	}
	if notReady == len(d.Suppliers) {
		return false, false, ErrNoSupplier
	}
	return false, false, err
}

func (d *Demander) transfer(supplier int, session string, snapshotCounter uint64) (dirty bool, err error) {
	base := common.BaseArgs{Version: d.Version, From: d.conf.Self}

	if err = d.sink.Begin(d); err != nil {
		return false, err
	}
	dirty = true
	d.log.Infof("Demander: partition %d session %s with supplier %d, snapshot counter %d", d.Pid, session, supplier, snapshotCounter)

	rb := NewReorderBuffer(0)
	forward := func() (*common.ForwardReply, error) {
		args := common.ForwardArgs{BaseArgs: base, Session: session, Seq: rb.Next()}
		reply := common.ForwardReply{}
		if err := d.callRetry(supplier, netw.ApiForward, &args, &reply); err != nil {
			return nil, err
		}
		if reply.Err != common.OK {
			return nil, reply.Err.ToError()
		}
		rb.Push(reply.Seq, reply.Mutations)
		if ms := rb.Pop(); len(ms) > 0 {
			if err := d.sink.Apply(d, ms); err != nil {
				return nil, err
			}
		}
		return &reply, nil
	}

	entries := 0
	for batch, last := 0, false; ; batch++ {
		if !last {
			args := common.SupplyArgs{BaseArgs: base, Session: session, Batch: batch}
			reply := common.SupplyReply{}
			if err = d.callRetry(supplier, netw.ApiSupply, &args, &reply); err != nil {
				return dirty, err
			}
			if reply.Err != common.OK {
				return dirty, reply.Err.ToError()
			}
			if err = d.sink.Apply(d, reply.Entries); err != nil {
				return dirty, err
			}
			entries += len(reply.Entries)
			last = reply.Last
		}

		// one forward pull per snapshot batch keeps the supplier's queue short
		fr, err := forward()
		if err != nil {
			return dirty, err
		}
		if fr.Done && rb.Pending() == 0 {
			d.log.Infof("Demander: partition %d session %s done, %d entries, %d forwarded, final counter %d",
				d.Pid, session, entries, rb.Next(), fr.FinalCounter)
			return dirty, d.sink.Complete(d, fr.FinalCounter)
		}
	}
}

func (d *Demander) call(to int, method string, args interface{}, reply interface{}) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.conf.RequestTimeout)
	defer cancel()
	return d.caller.CallNode(ctx, to, method, args, reply)
}

// callRetry repeats idempotent calls on transport errors.
func (d *Demander) callRetry(to int, method string, args interface{}, reply interface{}) (err error) {
	for i := 0; i < maxCallAttempts; i++ {
		if err = d.call(to, method, args, reply); err == nil {
			return nil
		}
		if d.ctx.Err() != nil {
			return errors.Wrapf(common.ErrSessionUnknown, "partition %d: %v", d.Pid, d.ctx.Err())
		}
		select {
		case <-d.ctx.Done():
		case <-time.After(d.tsr.Jitter(d.conf.RetryInterval)):
		}
	}
	return err
}
