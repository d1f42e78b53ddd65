// Package comm implements the distributed runtime the bridge consumes as an
// external collaborator: a ranked communicator with rank, size, send/recv,
// bcast, reduce/allreduce, Irecv/Isend/Iallreduce with explicit waits, and
// barrier. Ranks are goroutines in the same process and messages are routed
// through a central hub, adapted from the register/unregister/message-channel
// actor pattern used for the websocket client registries elsewhere in the
// stack. Unlike those registries, rank membership is fixed for the lifetime
// of a World, so there is no register/unregister traffic, only routed
// point-to-point and collective messages.
package comm

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ReduceOp names a reduction operator for Reduce/Allreduce.
type ReduceOp int

const (
	SumOp ReduceOp = iota
	MaxOp
)

func apply(op ReduceOp, a, b float64) float64 {
	switch op {
	case MaxOp:
		if a > b {
			return a
		}
		return b
	default:
		return a + b
	}
}

type envelope struct {
	from, to, tag int
	payload       any
}

// Request is a handle to a non-blocking operation; Wait blocks until the
// operation completes and returns its result (nil for Isend).
type Request interface {
	Wait() any
}

type completion struct {
	ch  chan any
	val any
	ok  bool
}

func (c *completion) Wait() any {
	if c.ok {
		return c.val
	}
	c.val = <-c.ch
	c.ok = true
	return c.val
}

type barrierReq struct {
	rank  int
	reply chan struct{}
}

// World is the fixed-size in-process fabric every rank's Communicator is
// bound to. It runs a single routing goroutine (run) that matches sends to
// the waiting receiver, the same select-loop shape as the channel-routed
// hubs elsewhere in this stack.
type World struct {
	size  int
	route chan envelope
	inbox []map[[2]int]chan envelope // per-rank inbound queues keyed by (source, tag)
	log   *slog.Logger

	barrierArrive chan barrierReq
}

// NewWorld builds a World of the given size and starts its router. Callers
// obtain one Communicator per rank via Rank.
func NewWorld(size int, logger *slog.Logger) *World {
	if logger == nil {
		logger = slog.Default()
	}
	w := &World{
		size:          size,
		route:         make(chan envelope, size*size),
		inbox:         make([]map[[2]int]chan envelope, size),
		barrierArrive: make(chan barrierReq, size),
		log:           logger,
	}
	for r := 0; r < size; r++ {
		w.inbox[r] = make(map[[2]int]chan envelope)
	}
	go w.run()
	return w
}

func (w *World) run() {
	var waiting []chan struct{}
	for {
		select {
		case e := <-w.route:
			ch := w.inboxFor(e.to, e.from, e.tag)
			ch <- e
		case req := <-w.barrierArrive:
			waiting = append(waiting, req.reply)
			if len(waiting) == w.size {
				for _, reply := range waiting {
					close(reply)
				}
				waiting = nil
			}
		}
	}
}

func (w *World) inboxFor(rank, source, tag int) chan envelope {
	key := [2]int{source, tag}
	ch, ok := w.inbox[rank][key]
	if !ok {
		ch = make(chan envelope, 1)
		w.inbox[rank][key] = ch
	}
	return ch
}

// Rank returns the Communicator bound to rank r.
func (w *World) Rank(r int) *Communicator {
	if r < 0 || r >= w.size {
		panic(fmt.Sprintf("comm: rank %d out of range [0,%d)", r, w.size))
	}
	return &Communicator{world: w, rank: r}
}

// Communicator is the per-rank handle passed explicitly into every app at
// construction; never cached in a package-level singleton.
type Communicator struct {
	world *World
	rank  int
}

func (c *Communicator) Rank() int { return c.rank }
func (c *Communicator) Size() int { return c.world.size }

func (c *Communicator) Send(payload any, dest, tag int) {
	c.world.route <- envelope{from: c.rank, to: dest, tag: tag, payload: payload}
}

func (c *Communicator) Recv(source, tag int) any {
	ch := c.world.inboxFor(c.rank, source, tag)
	e := <-ch
	if e.from != source {
		c.world.log.Warn("comm: received from unexpected source", "expected", source, "got", e.from, "tag", tag)
	}
	return e.payload
}

func (c *Communicator) Isend(payload any, dest, tag int) Request {
	id := uuid.New()
	c.world.log.Debug("comm: isend", "requestID", id, "from", c.rank, "to", dest, "tag", tag)
	c.Send(payload, dest, tag)
	return &completion{ok: true, val: nil}
}

func (c *Communicator) Irecv(source, tag int) Request {
	id := uuid.New()
	c.world.log.Debug("comm: irecv", "requestID", id, "at", c.rank, "from", source, "tag", tag)
	ch := c.world.inboxFor(c.rank, source, tag)
	out := make(chan any, 1)
	go func() {
		e := <-ch
		out <- e.payload
	}()
	return &completion{ch: out}
}

// Bcast broadcasts value from root to every rank; on P=1 it is a no-op
// returning the input unchanged.
func (c *Communicator) Bcast(value any, root int) any {
	if c.world.size == 1 {
		return value
	}
	const bcastTag = -1
	if c.rank == root {
		for r := 0; r < c.world.size; r++ {
			if r == root {
				continue
			}
			c.Send(value, r, bcastTag)
		}
		return value
	}
	return c.Recv(root, bcastTag)
}

// Reduce combines value from every rank onto root using op; non-root ranks
// receive the zero value.
func (c *Communicator) Reduce(value float64, op ReduceOp, root int) float64 {
	result := c.Allreduce(value, op)
	if c.rank != root {
		return 0
	}
	return result
}

// Allreduce combines value from every rank using op and returns the same
// result on every rank.
func (c *Communicator) Allreduce(value float64, op ReduceOp) float64 {
	if c.world.size == 1 {
		return value
	}
	const reduceTag = -2
	if c.rank == 0 {
		acc := value
		for r := 1; r < c.world.size; r++ {
			v := c.Recv(r, reduceTag).(float64)
			acc = apply(op, acc, v)
		}
		for r := 1; r < c.world.size; r++ {
			c.Send(acc, r, reduceTag)
		}
		return acc
	}
	c.Send(value, 0, reduceTag)
	return c.Recv(0, reduceTag).(float64)
}

// Iallreduce issues a non-blocking all-reduce; Wait returns the combined
// float64 once every rank has contributed.
func (c *Communicator) Iallreduce(value float64, op ReduceOp) Request {
	out := make(chan any, 1)
	go func() {
		out <- c.Allreduce(value, op)
	}()
	return &completion{ch: out}
}

// AllreduceVec combines a flat buffer element-wise across every rank, used
// for the parameter-gradient ledger all-reduce. Every rank must supply a
// buffer of the same length.
func (c *Communicator) AllreduceVec(values []float64, op ReduceOp) []float64 {
	if c.world.size == 1 {
		out := make([]float64, len(values))
		copy(out, values)
		return out
	}
	const reduceTag = -4
	if c.rank == 0 {
		acc := make([]float64, len(values))
		copy(acc, values)
		for r := 1; r < c.world.size; r++ {
			v := c.Recv(r, reduceTag).([]float64)
			for i := range acc {
				acc[i] = apply(op, acc[i], v[i])
			}
		}
		for r := 1; r < c.world.size; r++ {
			c.Send(acc, r, reduceTag)
		}
		return acc
	}
	c.Send(values, 0, reduceTag)
	return c.Recv(0, reduceTag).([]float64)
}

// IallreduceVec issues a non-blocking vector all-reduce; Wait returns the
// combined buffer once every rank has contributed.
func (c *Communicator) IallreduceVec(values []float64, op ReduceOp) Request {
	out := make(chan any, 1)
	go func() {
		out <- c.AllreduceVec(values, op)
	}()
	return &completion{ch: out}
}

// Gather collects value from every rank onto root, in rank order.
func (c *Communicator) Gather(value any, root int) []any {
	const gatherTag = -3
	if c.rank == root {
		result := make([]any, c.world.size)
		result[root] = value
		for r := 0; r < c.world.size; r++ {
			if r == root {
				continue
			}
			result[r] = c.Recv(r, gatherTag)
		}
		return result
	}
	c.Send(value, root, gatherTag)
	return nil
}

// Barrier blocks until every rank has called Barrier.
func (c *Communicator) Barrier() {
	if c.world.size == 1 {
		return
	}
	reply := make(chan struct{})
	c.world.barrierArrive <- barrierReq{rank: c.rank, reply: reply}
	<-reply
}
