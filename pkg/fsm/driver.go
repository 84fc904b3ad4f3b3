package fsm

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cuemby/minipd/pkg/metrics"
	"github.com/cuemby/minipd/pkg/storage"
	"github.com/rs/zerolog"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// inboxCapacity bounds the driver's inbound channel. Once full, Send blocks
// the caller rather than growing without limit: the single poll loop is the
// only consumer, so this is the system's natural admission control.
const inboxCapacity = 4096

// drainLimit caps how many inbound messages are processed back-to-back once
// a Ready is already pending, so a busy proposer can never starve the ready
// cycle indefinitely.
const drainLimit = 4096

// tickInterval is the period at which scheduleTicks posts Tick messages to
// the inbox.
const tickInterval = 200 * time.Millisecond

// Sender delivers outbound consensus messages to peers. Address-book updates
// learned through commands do not pass through it; the driver hands them to
// the storage adapter's PostReady. Component 4.D (the network transport)
// implements this; the driver only depends on the interface.
type Sender interface {
	Send(m raftpb.Message)
}

type pendingAck struct {
	notifier   chan Res
	res        Res
	proposedAt time.Time
}

// Driver runs the single-threaded poll loop (component 4.E) that owns the
// consensus RawNode and the storage adapter. All state below is touched only
// from the loop goroutine; external callers interact exclusively through the
// bounded channel returned by Inbox.
type Driver struct {
	id     uint64
	node   *raft.RawNode
	store  *storage.Storage
	sender Sender
	logger zerolog.Logger

	inbox chan Msg

	batch  *storage.WriteBatch
	walCtl *WriteBatchController

	proposals *ProposalQueue
	reads     *ReadTracker

	roleObservers    []chan Res
	pendingAcks      []pendingAck
	persistedBacklog []raftpb.Message

	// predictedIndex/predictedTerm estimate the index and term of the next
	// proposal. RawNode exposes no accessor for the unstable log's tail, so
	// the driver counts its own proposals up from the last index seen at
	// construction. Entries it did not propose (a new leader's empty entry,
	// entries replicated from another leader) put the real index ahead of
	// this estimate; processReady never matches empty entries and
	// ProposalQueue.Match pops the front regardless of an index lag, so
	// proposals still pair with their entries in FIFO order.
	predictedIndex uint64
	predictedTerm  uint64
}

// Config gathers what NewDriver needs to build the consensus RawNode.
type Config struct {
	ID            uint64
	Peers         []uint64 // not read by NewDriver; first-start seeding takes its peer list as an argument to Bootstrap
	ElectionTick  int
	HeartbeatTick int
}

// NewDriver constructs a Driver over an already-open storage adapter. The
// caller is responsible for having bootstrapped storage beforehand.
func NewDriver(cfg Config, store *storage.Storage, sender Sender, logger zerolog.Logger) (*Driver, error) {
	electionTick := cfg.ElectionTick
	if electionTick == 0 {
		electionTick = 10
	}
	heartbeatTick := cfg.HeartbeatTick
	if heartbeatTick == 0 {
		heartbeatTick = 1
	}

	raftCfg := &raft.Config{
		ID:                        cfg.ID,
		ElectionTick:              electionTick,
		HeartbeatTick:             heartbeatTick,
		Storage:                   store,
		MaxSizePerMsg:             1024 * 1024,
		MaxInflightMsgs:           256,
		MaxUncommittedEntriesSize: 1 << 30,
		CheckQuorum:               true,
		PreVote:                   true,
		Logger:                    raftLogger{log: logger},
	}
	node, err := raft.NewRawNode(raftCfg)
	if err != nil {
		return nil, fmt.Errorf("new raw node: %w", err)
	}

	lastIndex, err := store.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("read last index: %w", err)
	}
	hardState, _, err := store.InitialState()
	if err != nil {
		return nil, fmt.Errorf("read initial state: %w", err)
	}

	d := &Driver{
		id:             cfg.ID,
		node:           node,
		store:          store,
		sender:         sender,
		logger:         logger,
		inbox:          make(chan Msg, inboxCapacity),
		batch:          storage.NewWriteBatch(),
		walCtl:         NewWriteBatchController(),
		proposals:      NewProposalQueue(),
		reads:          NewReadTracker(),
		predictedIndex: lastIndex,
		predictedTerm:  hardState.Term,
	}
	return d, nil
}

// ID returns the local raft id.
func (d *Driver) ID() uint64 { return d.id }

// Inbox returns the channel on which callers enqueue inbound messages.
func (d *Driver) Inbox() chan<- Msg { return d.inbox }

// Bootstrap idempotently seeds storage with the initial configuration and
// address book, delegating to the storage adapter (component 4.A).
func (d *Driver) Bootstrap(peers []uint64, addressBook map[uint64]string) error {
	return d.store.Bootstrap(d.id, peers, addressBook)
}

// Run executes the poll loop until a Stop message is processed or the inbox
// is closed. It returns only on shutdown or a fatal storage error.
func (d *Driver) Run() error {
	if d.store.Singleton(d.id) {
		if err := d.node.Campaign(); err != nil {
			d.logger.Warn().Err(err).Msg("singleton campaign failed")
		}
		// The self-election takes several ready cycles; run them to the end
		// before serving any message, so a command sent right after Run
		// starts finds a leader instead of being dropped as leaderless.
		for d.node.HasReady() {
			if err := d.processReady(); err != nil {
				return err
			}
			if err := d.checkSync(); err != nil {
				return err
			}
		}
	}

	stopTick := make(chan struct{})
	go d.scheduleTicks(stopTick)
	defer close(stopTick)

	for {
		timeout := d.walCtl.SuggestTimeout(d.node.HasReady())
		msg, open := d.receive(timeout)
		if !open {
			return nil
		}
		stopping := false
		if msg != nil {
			stop, err := d.process(*msg)
			if err != nil {
				return err
			}
			stopping = stop
		}

		drained := 0
		draining := !stopping
		for draining {
			if d.node.HasReady() && drained >= drainLimit {
				break
			}
			select {
			case m, open := <-d.inbox:
				if !open {
					return nil
				}
				stop, err := d.process(m)
				if err != nil {
					return err
				}
				if stop {
					stopping = true
					draining = false
				}
				drained++
			default:
				draining = false
			}
		}

		if d.node.HasReady() {
			if err := d.processReady(); err != nil {
				return err
			}
		}

		// The WAL sync check runs every iteration, not only when a Ready
		// was just processed: a prior Ready can leave bytes unsynced
		// (MustSync false, floor not yet elapsed), and those still need
		// their floor fsync once enough wall-clock time has passed even
		// if no further Ready ever arrives.
		if err := d.checkSync(); err != nil {
			return err
		}
		if stopping {
			return nil
		}
	}
}

// receive blocks on the inbox, bounded by timeout (nil means block
// indefinitely). A nil *Msg with open=true means the timeout elapsed with no
// message; the caller should proceed straight to the ready cycle.
func (d *Driver) receive(timeout *time.Duration) (*Msg, bool) {
	if timeout == nil {
		m, open := <-d.inbox
		if !open {
			return nil, false
		}
		return &m, true
	}
	select {
	case m, open := <-d.inbox:
		if !open {
			return nil, false
		}
		return &m, true
	case <-time.After(*timeout):
		return nil, true
	}
}

// scheduleTicks posts a Tick message every tickInterval until stop is
// closed. A full inbox drops the tick rather than blocking; the next timer
// firing will simply post another.
func (d *Driver) scheduleTicks(stop <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case d.inbox <- NewTickMsg():
			default:
			}
		case <-stop:
			return
		}
	}
}

// process dispatches a single inbound message (component 4.E's "process one
// message" step). It returns stop=true once a Stop message has been handled.
func (d *Driver) process(msg Msg) (stop bool, err error) {
	switch msg.Kind {
	case MsgCommand:
		if err := d.node.Propose(msg.ProposeOp); err != nil {
			notify(msg.Notifier, resFail(err.Error()))
			return false, nil
		}
		d.predictedIndex++
		if st := d.node.Status(); st.Term != 0 {
			d.predictedTerm = st.Term
		}
		d.proposals.Enqueue(d.predictedTerm, d.predictedIndex, msg.Notifier)

	case MsgSnapshot:
		nonce := d.reads.NextNonce()
		if err := d.node.ReadIndex(encodeNonce(nonce)); err != nil {
			notify(msg.Notifier, resFail(err.Error()))
			return false, nil
		}
		d.reads.Track(nonce, msg.Notifier)

	case MsgWaitTillLeader:
		if lead := d.node.Status().Lead; lead != raft.None {
			notify(msg.Notifier, resLeader(lead))
		} else {
			d.roleObservers = append(d.roleObservers, msg.Notifier)
		}

	case MsgRaftMessage:
		if err := d.node.Step(msg.RaftMsg); err != nil {
			d.logger.Debug().Err(err).Msg("step rejected raft message")
		}

	case MsgTick:
		d.node.Tick()

	case MsgStop:
		return true, nil
	}
	return false, nil
}

// processReady runs the full ready cycle (component 4.E), in the order the
// design lays out: resolve role observers, apply committed entries and
// match proposals, stage and flush the write batch, decide message
// durability deferral, advance the raw node, then record the bytes written
// with the WAL controller. The fsync decision, and the release of deferred
// messages and acks it unblocks, happen afterwards in checkSync.
func (d *Driver) processReady() error {
	rd := d.node.Ready()

	if rd.SoftState != nil && rd.SoftState.Lead != raft.None && len(d.roleObservers) > 0 {
		for _, obs := range d.roleObservers {
			notify(obs, resLeader(rd.SoftState.Lead))
		}
		d.roleObservers = d.roleObservers[:0]
	}

	var appliedIndex, appliedTerm uint64
	var confState *raftpb.ConfState
	addressUpdates := make(map[uint64]string)

	for _, entry := range rd.CommittedEntries {
		appliedIndex, appliedTerm = entry.Index, entry.Term

		var res Res
		var hasRes bool

		switch entry.Type {
		case raftpb.EntryNormal:
			if len(entry.Data) > 0 {
				result, err := applyCommand(entry.Data, d.store, d.batch)
				if err != nil {
					res, hasRes = resFail(err.Error()), true
				} else if result.hasValue {
					res, hasRes = resValue(result.value), true
				} else {
					res, hasRes = resSuccess(), true
					for k, v := range result.addressUpdates {
						addressUpdates[k] = v
					}
				}
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				res, hasRes = resFail(err.Error()), true
			} else {
				confState = d.node.ApplyConfChange(cc)
				res, hasRes = resSuccess(), true
			}
		case raftpb.EntryConfChangeV2:
			var cc raftpb.ConfChangeV2
			if err := cc.Unmarshal(entry.Data); err != nil {
				res, hasRes = resFail(err.Error()), true
			} else {
				confState = d.node.ApplyConfChange(cc)
				res, hasRes = resSuccess(), true
			}
		}

		// An empty normal entry is the one a new leader appends on election;
		// no caller proposed it, so it must not consume a caller's notifier.
		if entry.Type == raftpb.EntryNormal && len(entry.Data) == 0 {
			continue
		}
		if notifier, proposedAt, matched := d.proposals.Match(entry.Index, entry.Term); matched {
			if !hasRes {
				res = resSuccess()
			}
			d.pendingAcks = append(d.pendingAcks, pendingAck{notifier: notifier, res: res, proposedAt: proposedAt})
		}
	}

	// Reads that this Ready's committed entries satisfy are matched here,
	// against the applied index this Ready is about to produce, but the
	// snapshot itself is not opened until after that data is flushed below:
	// opening it now would read the engine before the batch applying those
	// very entries has been written, and the read would miss them.
	curApplied, _ := d.store.Applied()
	if appliedIndex > curApplied {
		curApplied = appliedIndex
	}
	var readyReads []readRequest
	for _, rs := range rd.ReadStates {
		nonce := decodeNonce(rs.RequestCtx)
		if req, ready := d.reads.Resolve(nonce, rs.Index, curApplied); ready {
			readyReads = append(readyReads, req)
		}
	}
	if appliedIndex != 0 {
		readyReads = append(readyReads, d.reads.DrainApplied(appliedIndex)...)
	}
	for _, req := range d.reads.SweepStale(time.Now()) {
		notify(req.notifier, resFail("timeout"))
	}

	ctx := storage.ApplyContext{AppliedIndex: appliedIndex, AppliedTerm: appliedTerm, ConfState: confState}
	d.store.Stage(ctx, &rd, d.batch)

	mustSync := rd.MustSync
	batchWasEmpty := d.batch.Empty()
	var bytesWritten int
	if !batchWasEmpty {
		n, err := d.store.Flush(d.batch)
		if err != nil {
			return err
		}
		d.store.PostReady(ctx, rd.Entries, addressUpdates)
		bytesWritten = n
	}

	for _, req := range readyReads {
		d.resolveRead(req)
	}

	// Outbound messages require the entries/hard state just staged above to
	// be durable before they can be sent, unless nothing new was persisted
	// this round and no earlier backlog is waiting on a durability event.
	if batchWasEmpty && len(d.persistedBacklog) == 0 {
		for _, m := range rd.Messages {
			d.sender.Send(m)
		}
	} else {
		d.persistedBacklog = append(d.persistedBacklog, rd.Messages...)
	}

	d.batch.Reset()
	d.node.Advance(rd)
	d.walCtl.Record(bytesWritten, mustSync)

	return nil
}

// checkSync runs the WAL controller's fsync decision unconditionally, once
// per poll iteration, independent of whether this iteration produced a
// Ready: bytes left unsynced by an earlier non-must-sync Ready still need
// their floor fsync once enough wall-clock time passes, even if no further
// Ready ever arrives to trigger it.
func (d *Driver) checkSync() error {
	if !d.walCtl.ShouldSync() {
		return nil
	}

	bytesWritten := d.walCtl.UnsyncedBytes()
	syncTimer := metrics.NewTimer()
	if err := d.store.Sync(); err != nil {
		return err
	}
	syncTimer.ObserveDuration(metrics.FsyncDuration)
	metrics.FsyncTotal.Inc()
	metrics.FsyncBatchBytes.Observe(float64(bytesWritten))

	d.walCtl.OnSync()
	for _, m := range d.persistedBacklog {
		d.sender.Send(m)
	}
	d.persistedBacklog = d.persistedBacklog[:0]
	for _, ack := range d.pendingAcks {
		notify(ack.notifier, ack.res)
		if !ack.proposedAt.IsZero() {
			metrics.ProposalLatency.Observe(time.Since(ack.proposedAt).Seconds())
		}
	}
	d.pendingAcks = d.pendingAcks[:0]

	return nil
}

func (d *Driver) resolveRead(req readRequest) {
	metrics.ReadIndexLatency.Observe(time.Since(req.start).Seconds())
	snap, err := d.store.NewSnapshot()
	if err != nil {
		notify(req.notifier, resFail(err.Error()))
		return
	}
	notify(req.notifier, resSnap(snap))
}

// ProposalQueueDepth, ReadQueueDepth and PendingAcksDepth back the
// corresponding gauges in the metrics collector.
func (d *Driver) ProposalQueueDepth() int { return d.proposals.Len() }
func (d *Driver) ReadQueueDepth() int     { return d.reads.Len() }
func (d *Driver) PendingAcksDepth() int   { return len(d.pendingAcks) }

// Status reports the current raft role/term/leader, for health checks and
// metrics.
func (d *Driver) Status() raft.Status { return d.node.Status() }

func encodeNonce(nonce uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	return buf
}

func decodeNonce(ctx []byte) uint64 {
	if len(ctx) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(ctx)
}
