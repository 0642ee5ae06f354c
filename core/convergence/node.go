// Package convergence replicates commits between nodes without coordination.
// Columns whose operators merge coordination-free are committed locally and
// spread by gossip; everything else is serialized through the transaction
// manager and checked for causal conflicts on arrival.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/versiondb/core/algebra"
	"github.com/sushant-115/versiondb/core/schema"
)

// Options configures a Node.
type Options struct {
	ID       NodeID
	Registry *schema.Registry
	// Store persists rows and state. A nil Store keeps the node in memory.
	Store Store
	// Serial runs commits that cannot take the fast path.
	Serial SerialCommitter

	Logger *zap.Logger
	Meter  metric.Meter
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeDuplicate
	outcomeConflict
	outcomeRejected
)

func (o outcome) String() string {
	switch o {
	case outcomeApplied:
		return "applied"
	case outcomeDuplicate:
		return "duplicate"
	case outcomeConflict:
		return "conflict"
	}
	return "rejected"
}

// Node is one replica. All state changes go through mu and are persisted
// before they become visible.
type Node struct {
	id       NodeID
	registry *schema.Registry
	store    Store
	serial   SerialCommitter
	logger   *zap.Logger
	metrics  *nodeMetrics

	mu        sync.Mutex
	clock     VectorClock
	rows      map[string]Row
	writers   map[string]map[string]VectorClock // last Generic writer per column
	seen      map[uuid.UUID]struct{}
	retained  []*CommitRecord                   // records some peer may still need
	acked     map[NodeID]map[uuid.UUID]struct{} // per peer: retained records it holds
	conflicts []Conflict
}

// NewNode creates a node with an empty state. Call Restore to resume from Store.
func NewNode(opts Options) (*Node, error) {
	if opts.ID == "" {
		return nil, errors.New("convergence node requires an id")
	}
	if opts.Registry == nil {
		opts.Registry = schema.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Meter == nil {
		opts.Meter = noop.NewMeterProvider().Meter("")
	}
	metrics, err := newNodeMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create convergence metrics: %w", err)
	}
	return &Node{
		id:       opts.ID,
		registry: opts.Registry,
		store:    opts.Store,
		serial:   opts.Serial,
		logger:   opts.Logger.Named("convergence").With(zap.String("node_id", string(opts.ID))),
		metrics:  metrics,
		clock:    make(VectorClock),
		rows:     make(map[string]Row),
		writers:  make(map[string]map[string]VectorClock),
		seen:     make(map[uuid.UUID]struct{}),
		acked:    make(map[NodeID]map[uuid.UUID]struct{}),
	}, nil
}

func (n *Node) ID() NodeID { return n.id }

// Registry returns the schema registry the node classifies operations with.
func (n *Node) Registry() *schema.Registry { return n.registry }

// LocalCommit accepts ops on this node without contacting any peer when
// every operation targets a column registered with a coordination-free
// operator, or a table this node owns. Other commits, including the first
// write to an unregistered column, run through the serial committer first.
func (n *Node) LocalCommit(ctx context.Context, ops []Operation) (*CommitRecord, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyCommit
	}
	for _, op := range ops {
		if op.Table == "" || op.Column == "" {
			return nil, fmt.Errorf("%w: operation without table or column", ErrInvalidRecord)
		}
		if err := n.registry.Validate(op.Table, map[string]algebra.OpType{op.Column: op.Op}); err != nil {
			return nil, err
		}
	}
	fast := n.fastPath(ops)
	if !fast && n.serial == nil {
		return nil, ErrRequiresSerializedCommit
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	c := n.newChange()
	c.clock = n.clock.Copy()
	c.clock.Increment(n.id)
	rec := &CommitRecord{
		ID:     uuid.New(),
		Origin: n.id,
		Clock:  c.clock.Copy(),
		Ops:    append([]Operation(nil), ops...),
	}
	c.record, c.retain = rec, true

	path := "fast"
	if fast {
		if err := n.applyOps(c, rec.Ops, rec.Clock); err != nil {
			return nil, err
		}
		if err := n.persistLocked(ctx, rec.Ops, c); err != nil {
			return nil, fmt.Errorf("failed to persist local commit: %w", err)
		}
	} else {
		path = "serialized"
		for _, op := range rec.Ops {
			if !algebra.Mergeable(op.Op) {
				c.setWriter(op.Table, op.Column, rec.Clock)
			}
		}
		rows, err := n.serial.CommitSerialized(ctx, rec.Ops, func(txn uuid.UUID, rows map[string]Row) *State {
			rec.TxnID = txn
			for table, row := range rows {
				c.rows[table] = row.clone()
			}
			return n.stateLocked(c)
		})
		if err != nil {
			return nil, err
		}
		for table, row := range rows {
			c.rows[table] = row.clone()
		}
	}

	n.installLocked(c)
	n.registerOps(rec.Ops)
	n.metrics.commits.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	n.logger.Debug("Local commit accepted",
		zap.String("record_id", rec.ID.String()),
		zap.String("path", path),
		zap.Int("ops", len(rec.Ops)),
		zap.Uint64("counter", rec.Clock[n.id]))
	return rec.clone(), nil
}

// ReceiveGossip applies a record from another node. Records already seen
// are ignored. A Generic write causally concurrent with the column's last
// writer fails with ErrUnresolvableConcurrentWrite and the record is
// quarantined, see Conflicts.
func (n *Node) ReceiveGossip(ctx context.Context, rec *CommitRecord) error {
	_, err := n.receive(ctx, rec)
	return err
}

// HandleGossip applies every record of a push and reports what the node now
// holds. Quarantined records are acknowledged and listed as conflicts; the
// returned error covers only records that could not be handled at all.
func (n *Node) HandleGossip(ctx context.Context, msg *GossipMessage) (*GossipAck, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: empty gossip message", ErrInvalidRecord)
	}
	ack := &GossipAck{From: n.id}
	var errs error
	for _, rec := range msg.Records {
		out, err := n.receive(ctx, rec)
		switch out {
		case outcomeApplied:
			ack.Applied = append(ack.Applied, rec.ID)
		case outcomeDuplicate:
			ack.Duplicates = append(ack.Duplicates, rec.ID)
		case outcomeConflict:
			ack.Conflicts = append(ack.Conflicts, rec.ID)
		default:
			errs = multierr.Append(errs, err)
		}
	}
	// The sender holds everything it sent.
	if msg.From != "" {
		sent := make([]uuid.UUID, 0, len(msg.Records))
		for _, rec := range msg.Records {
			if rec != nil {
				sent = append(sent, rec.ID)
			}
		}
		n.Ack(msg.From, sent)
	}
	ack.Clock = n.CurrentClock()
	return ack, errs
}

func (n *Node) receive(ctx context.Context, in *CommitRecord) (outcome, error) {
	if err := in.validate(); err != nil {
		return outcomeRejected, err
	}
	rec := in.clone()

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.seen[rec.ID]; ok {
		n.countRecord(ctx, outcomeDuplicate)
		return outcomeDuplicate, nil
	}

	apply := make([]Operation, 0, len(rec.Ops))
	for _, op := range rec.Ops {
		if local := n.registry.Lookup(op.Table, op.Column); local != algebra.OpUnknown && local != op.Op {
			return n.quarantineLocked(ctx, rec, fmt.Errorf("%w: %s.%s is %s here but %s in record %s",
				ErrInvalidRecord, op.Table, op.Column, local, op.Op, rec.ID))
		}
		if algebra.Mergeable(op.Op) {
			apply = append(apply, op)
			continue
		}
		last := n.writers[op.Table][op.Column]
		switch rec.Clock.Compare(last) {
		case After:
			apply = append(apply, op)
		case Concurrent:
			return n.quarantineLocked(ctx, rec, fmt.Errorf("%w: %s.%s by record %s from %s",
				ErrUnresolvableConcurrentWrite, op.Table, op.Column, rec.ID, rec.Origin))
		default:
			n.logger.Debug("Skipping stale generic write",
				zap.String("record_id", rec.ID.String()),
				zap.String("table", op.Table),
				zap.String("column", op.Column))
		}
	}

	c := n.newChange()
	c.record, c.retain = rec, true
	if err := n.applyOps(c, apply, rec.Clock); err != nil {
		return n.quarantineLocked(ctx, rec, err)
	}
	c.clock = n.clock.Merge(rec.Clock)
	if err := n.persistLocked(ctx, apply, c); err != nil {
		return outcomeRejected, fmt.Errorf("failed to persist record %s: %w", rec.ID, err)
	}
	n.installLocked(c)
	n.registerOps(apply)
	n.countRecord(ctx, outcomeApplied)
	return outcomeApplied, nil
}

// quarantineLocked marks rec seen without applying it and returns cause.
func (n *Node) quarantineLocked(ctx context.Context, rec *CommitRecord, cause error) (outcome, error) {
	c := n.newChange()
	c.record = rec
	c.conflict = &Conflict{Record: rec, Reason: cause.Error()}
	if err := n.persistLocked(ctx, nil, c); err != nil {
		return outcomeRejected, multierr.Append(cause, err)
	}
	n.installLocked(c)
	n.countRecord(ctx, outcomeConflict)
	n.logger.Warn("Quarantined commit record",
		zap.String("record_id", rec.ID.String()),
		zap.String("origin", string(rec.Origin)),
		zap.Error(cause))
	return outcomeConflict, cause
}

// CurrentClock returns a copy of the node's vector clock.
func (n *Node) CurrentClock() VectorClock {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clock.Copy()
}

// Value returns the current value of table.column.
func (n *Node) Value(table, column string) (algebra.Value, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.rows[table][column]
	return v, ok
}

// Snapshot returns a copy of every row.
func (n *Node) Snapshot() map[string]Row {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]Row, len(n.rows))
	for table, row := range n.rows {
		out[table] = row.clone()
	}
	return out
}

// Conflicts lists quarantined records in arrival order.
func (n *Node) Conflicts() []Conflict {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Conflict(nil), n.conflicts...)
}

// AddPeer starts tracking what peer holds. Records dropped from retention
// before a peer was added are not sent to it.
func (n *Node) AddPeer(peer NodeID) {
	if peer == "" || peer == n.id {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.acked[peer]; !ok {
		n.acked[peer] = make(map[uuid.UUID]struct{})
	}
}

// Peers lists known peers, sorted.
func (n *Node) Peers() []NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]NodeID, 0, len(n.acked))
	for peer := range n.acked {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Unacked returns up to limit retained records peer is not known to hold,
// oldest first. A limit <= 0 means no limit.
func (n *Node) Unacked(peer NodeID, limit int) []*CommitRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	held, ok := n.acked[peer]
	if !ok {
		return nil
	}
	var out []*CommitRecord
	for _, rec := range n.retained {
		if rec.Origin == peer {
			continue
		}
		if _, ok := held[rec.ID]; ok {
			continue
		}
		out = append(out, rec.clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Ack records that peer holds ids. Records every peer holds stop being retained.
func (n *Node) Ack(peer NodeID, ids []uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	held, ok := n.acked[peer]
	if !ok {
		return
	}
	for _, id := range ids {
		held[id] = struct{}{}
	}
	n.compactLocked()
}

func (n *Node) compactLocked() {
	if len(n.acked) == 0 {
		return
	}
	kept := make([]*CommitRecord, 0, len(n.retained))
	for _, rec := range n.retained {
		if !n.heldByAllLocked(rec) {
			kept = append(kept, rec)
			continue
		}
		for _, held := range n.acked {
			delete(held, rec.ID)
		}
	}
	n.retained = kept
}

func (n *Node) heldByAllLocked(rec *CommitRecord) bool {
	for peer, held := range n.acked {
		if peer == rec.Origin {
			continue
		}
		if _, ok := held[rec.ID]; !ok {
			return false
		}
	}
	return true
}

// Restore replaces the in-memory state with what Store holds. It is a no-op
// for a node without a store or one that never saved.
func (n *Node) Restore(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	rows, state, err := n.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load node state: %w", err)
	}
	if state == nil {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.clock = state.Clock.Copy()
	n.rows = make(map[string]Row, len(rows))
	for table, row := range rows {
		n.rows[table] = row
	}
	n.writers = make(map[string]map[string]VectorClock, len(state.Writers))
	for table, columns := range state.Writers {
		n.writers[table] = make(map[string]VectorClock, len(columns))
		for column, clock := range columns {
			n.writers[table][column] = clock.Copy()
		}
	}
	n.seen = make(map[uuid.UUID]struct{}, len(state.Seen))
	for _, id := range state.Seen {
		n.seen[id] = struct{}{}
	}
	n.retained = append([]*CommitRecord(nil), state.Retained...)
	for peer, ids := range state.Acked {
		held, ok := n.acked[peer]
		if !ok {
			held = make(map[uuid.UUID]struct{}, len(ids))
			n.acked[peer] = held
		}
		for _, id := range ids {
			held[id] = struct{}{}
		}
	}
	n.conflicts = append([]Conflict(nil), state.Conflicts...)
	for _, rec := range n.retained {
		n.registerOps(rec.Ops)
	}

	n.logger.Info("Restored node state",
		zap.Int("tables", len(n.rows)),
		zap.Int("retained", len(n.retained)),
		zap.Int("seen", len(n.seen)),
		zap.Any("clock", n.clock))
	return nil
}

// fastPath reports whether ops may commit without the serial committer.
// fastPath classifies by the registry, not by the operator an op declares:
// a column nobody registered yet is UNKNOWN and needs coordination until
// its first commit fixes the operator.
func (n *Node) fastPath(ops []Operation) bool {
	for _, op := range ops {
		if algebra.Mergeable(n.registry.Lookup(op.Table, op.Column)) {
			continue
		}
		if n.registry.Owner(op.Table) != string(n.id) {
			return false
		}
	}
	return true
}

func (n *Node) registerOps(ops []Operation) {
	for table, columns := range columnTypes(ops) {
		if err := n.registry.RegisterTable(table, columns); err != nil {
			n.logger.Warn("Failed to register column operators", zap.String("table", table), zap.Error(err))
		}
	}
}

func (n *Node) countRecord(ctx context.Context, o outcome) {
	n.metrics.records.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", o.String())))
}

// change is the effect of one commit or received record. It is built
// against the current state, persisted, and only then installed.
type change struct {
	clock    VectorClock
	rows     map[string]Row
	writers  map[string]map[string]VectorClock
	record   *CommitRecord
	retain   bool
	conflict *Conflict
}

func (n *Node) newChange() *change {
	return &change{
		clock:   n.clock,
		rows:    make(map[string]Row),
		writers: make(map[string]map[string]VectorClock),
	}
}

func (c *change) row(n *Node, table string) Row {
	if row, ok := c.rows[table]; ok {
		return row
	}
	row := n.rows[table].clone()
	c.rows[table] = row
	return row
}

func (c *change) setWriter(table, column string, clock VectorClock) {
	if c.writers[table] == nil {
		c.writers[table] = make(map[string]VectorClock)
	}
	c.writers[table][column] = clock
}

// applyOps folds ops into c. Generic operators replace the column and make
// clock its last writer.
func (n *Node) applyOps(c *change, ops []Operation, clock VectorClock) error {
	for _, op := range ops {
		row := c.row(n, op.Table)
		var (
			next algebra.Value
			err  error
		)
		if algebra.Mergeable(op.Op) {
			next, err = algebra.Merge(op.Op, row[op.Column], op.Value)
		} else {
			next, err = algebra.Apply(op.Op, row[op.Column], op.Value)
			c.setWriter(op.Table, op.Column, clock)
		}
		if err != nil {
			return fmt.Errorf("failed to apply %s to %s.%s: %w", op.Op, op.Table, op.Column, err)
		}
		row[op.Column] = next
	}
	return nil
}

func (n *Node) persistLocked(ctx context.Context, ops []Operation, c *change) error {
	if n.store == nil {
		return nil
	}
	return n.store.Save(ctx, &Batch{Ops: ops, Rows: c.rows, State: n.stateLocked(c)})
}

// stateLocked is the node state as it will be once c is installed.
func (n *Node) stateLocked(c *change) *State {
	state := &State{
		Clock:   c.clock.Copy(),
		Writers: make(map[string]map[string]VectorClock),
		Seen:    make([]uuid.UUID, 0, len(n.seen)+1),
		Acked:   make(map[NodeID][]uuid.UUID, len(n.acked)),
	}

	tables := make(map[string]struct{}, len(n.rows)+len(c.rows))
	for table := range n.rows {
		tables[table] = struct{}{}
	}
	for table := range c.rows {
		tables[table] = struct{}{}
	}
	for table := range tables {
		state.Tables = append(state.Tables, table)
	}
	sort.Strings(state.Tables)

	for _, writers := range []map[string]map[string]VectorClock{n.writers, c.writers} {
		for table, columns := range writers {
			if state.Writers[table] == nil {
				state.Writers[table] = make(map[string]VectorClock)
			}
			for column, clock := range columns {
				state.Writers[table][column] = clock
			}
		}
	}

	for id := range n.seen {
		state.Seen = append(state.Seen, id)
	}
	state.Retained = append(state.Retained, n.retained...)
	state.Conflicts = append(state.Conflicts, n.conflicts...)
	if c.record != nil {
		state.Seen = append(state.Seen, c.record.ID)
		if c.retain {
			state.Retained = append(state.Retained, c.record)
		}
	}
	if c.conflict != nil {
		state.Conflicts = append(state.Conflicts, *c.conflict)
	}
	for peer, held := range n.acked {
		ids := make([]uuid.UUID, 0, len(held))
		for id := range held {
			ids = append(ids, id)
		}
		state.Acked[peer] = ids
	}
	return state
}

func (n *Node) installLocked(c *change) {
	n.clock = c.clock
	for table, row := range c.rows {
		n.rows[table] = row
	}
	for table, columns := range c.writers {
		if n.writers[table] == nil {
			n.writers[table] = make(map[string]VectorClock)
		}
		for column, clock := range columns {
			n.writers[table][column] = clock
		}
	}
	if c.record != nil {
		n.seen[c.record.ID] = struct{}{}
		if c.retain {
			n.retained = append(n.retained, c.record)
		}
	}
	if c.conflict != nil {
		n.conflicts = append(n.conflicts, *c.conflict)
	}
}

func (r *CommitRecord) clone() *CommitRecord {
	c := *r
	c.Clock = r.Clock.Copy()
	c.Ops = append([]Operation(nil), r.Ops...)
	return &c
}
