package transaction_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/versiondb/core/algebra"
	"github.com/sushant-115/versiondb/core/branch"
	"github.com/sushant-115/versiondb/core/catalog"
	"github.com/sushant-115/versiondb/core/chunkstore"
	"github.com/sushant-115/versiondb/core/schema"
	"github.com/sushant-115/versiondb/core/transaction"
	"github.com/sushant-115/versiondb/core/write_engine/wal"
)

// --- Test Helpers ---

type harness struct {
	t        *testing.T
	mgr      *transaction.Manager
	catalog  transaction.Catalog
	chunks   *chunkstore.Memory
	registry *schema.Registry
	branches *branch.Memory
	log      *wal.LogManager
	walDir   string
}

func newHarness(t *testing.T, knobs *transaction.TestingKnobs) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		catalog:  catalog.NewMemory(),
		chunks:   chunkstore.NewMemory(),
		registry: schema.NewRegistry(),
		branches: branch.NewMemory(),
		walDir:   t.TempDir(),
	}
	h.open(knobs)
	return h
}

// open (re)creates the log and manager over the harness's durable state.
func (h *harness) open(knobs *transaction.TestingKnobs) {
	h.t.Helper()
	lm, err := wal.NewLogManager(h.walDir, zap.NewNop(), 0)
	require.NoError(h.t, err)
	h.log = lm
	h.t.Cleanup(func() { _ = lm.Close() })

	mgr, err := transaction.NewManager(transaction.Options{
		Catalog:  h.catalog,
		Chunks:   h.chunks,
		Log:      lm,
		Registry: h.registry,
		Branches: h.branches,
		Logger:   zap.NewNop(),
		Knobs:    knobs,
	})
	require.NoError(h.t, err)
	h.mgr = mgr
}

// restart simulates a process restart: in-memory manager state is lost,
// the log is reopened from disk.
func (h *harness) restart() {
	h.t.Helper()
	require.NoError(h.t, h.mgr.Close())
	require.NoError(h.t, h.log.Close())
	h.open(nil)
}

func (h *harness) commitTable(table, payload string) {
	h.t.Helper()
	ctx := context.Background()
	id, err := h.mgr.Begin(ctx)
	require.NoError(h.t, err)
	require.NoError(h.t, h.mgr.WriteTable(ctx, id, table, []byte(payload), nil))
	require.NoError(h.t, h.mgr.Commit(ctx, id))
}

func (h *harness) latest(table string) uint64 {
	h.t.Helper()
	v, err := h.catalog.LatestVersion(context.Background(), table)
	require.NoError(h.t, err)
	return v
}

func (h *harness) payloadAt(table string, version uint64) string {
	h.t.Helper()
	ctx := context.Background()
	entry, err := h.catalog.GetVersion(ctx, table, version)
	require.NoError(h.t, err)
	require.Len(h.t, entry.ChunkRefs, 1)
	data, err := h.chunks.Get(ctx, entry.ChunkRefs[0])
	require.NoError(h.t, err)
	return string(data)
}

// catalogState captures every version of the given tables for comparison.
func (h *harness) catalogState(tables ...string) map[string][]transaction.VersionEntry {
	h.t.Helper()
	out := make(map[string][]transaction.VersionEntry)
	for _, table := range tables {
		for v := uint64(1); v <= h.latest(table); v++ {
			entry, err := h.catalog.GetVersion(context.Background(), table, v)
			require.NoError(h.t, err)
			out[table] = append(out[table], entry)
		}
	}
	return out
}

var errInjectedCrash = errors.New("injected crash")

// flakyCatalog refuses CommitVersion on one table while failing is set;
// failOnce clears failing after the first refusal.
type flakyCatalog struct {
	*catalog.Memory
	mu       sync.Mutex
	table    string
	failing  bool
	failOnce bool
}

var errCatalogUnavailable = errors.New("catalog unavailable")

func (c *flakyCatalog) CommitVersion(ctx context.Context, table string, version uint64, entry transaction.VersionEntry) error {
	c.mu.Lock()
	refuse := c.failing && table == c.table
	if refuse && c.failOnce {
		c.failing = false
	}
	c.mu.Unlock()
	if refuse {
		return errCatalogUnavailable
	}
	return c.Memory.CommitVersion(ctx, table, version, entry)
}

func (c *flakyCatalog) setFailing(failing bool) {
	c.mu.Lock()
	c.failing = failing
	c.mu.Unlock()
}

func newFlakyHarness(t *testing.T, cat *flakyCatalog) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		catalog:  cat,
		chunks:   chunkstore.NewMemory(),
		registry: schema.NewRegistry(),
		branches: branch.NewMemory(),
		walDir:   t.TempDir(),
	}
	h.open(nil)
	return h
}

// writeOrdersAndUsers begins a transaction writing both tables, orders first.
func (h *harness) writeOrdersAndUsers(orders, users string) transaction.TxnID {
	h.t.Helper()
	ctx := context.Background()
	id, err := h.mgr.Begin(ctx)
	require.NoError(h.t, err)
	require.NoError(h.t, h.mgr.WriteTable(ctx, id, "orders", []byte(orders), nil))
	require.NoError(h.t, h.mgr.WriteTable(ctx, id, "users", []byte(users), nil))
	return id
}

// --- Test Cases ---

// TestWriteConflictOnStaleSnapshot: T1 and T2 both read orders@4; T2 commits
// first, so T1's commit must fail and orders must stay at 5.
func TestWriteConflictOnStaleSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		h.commitTable("orders", "base")
	}
	require.Equal(t, uint64(4), h.latest("orders"))

	t1, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	d1, err := h.mgr.ReadTable(ctx, t1, "orders")
	require.NoError(t, err)
	require.Equal(t, uint64(4), d1.Version)

	t2, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	d2, err := h.mgr.ReadTable(ctx, t2, "orders")
	require.NoError(t, err)
	require.Equal(t, uint64(4), d2.Version)
	require.NoError(t, h.mgr.WriteTable(ctx, t2, "orders", []byte("from t2"), nil))
	require.NoError(t, h.mgr.Commit(ctx, t2))
	require.Equal(t, uint64(5), h.latest("orders"))

	require.NoError(t, h.mgr.WriteTable(ctx, t1, "orders", []byte("from t1"), nil))
	err = h.mgr.Commit(ctx, t1)
	require.ErrorIs(t, err, transaction.ErrWriteConflict)

	var conflict *transaction.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "orders", conflict.Table)
	assert.Equal(t, uint64(4), conflict.Snapshot)
	assert.Equal(t, uint64(5), conflict.Current)
	assert.Equal(t, transaction.LayerSnapshot, conflict.Layer)

	require.Equal(t, uint64(5), h.latest("orders"))
	require.Equal(t, "from t2", h.payloadAt("orders", 5))
	state, err := h.mgr.Status(t1)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateAborted, state)
}

func TestConcurrentCommitsExactlyOneWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.commitTable("x", "v1")

	const writers = 8
	for round := 0; round < 5; round++ {
		ids := make([]transaction.TxnID, writers)
		for i := range ids {
			id, err := h.mgr.Begin(ctx)
			require.NoError(t, err)
			_, err = h.mgr.ReadTable(ctx, id, "x")
			require.NoError(t, err)
			require.NoError(t, h.mgr.WriteTable(ctx, id, "x", []byte{byte(round), byte(i)}, nil))
			ids[i] = id
		}
		before := h.latest("x")

		var wg sync.WaitGroup
		errs := make([]error, writers)
		start := make(chan struct{})
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id transaction.TxnID) {
				defer wg.Done()
				<-start
				errs[i] = h.mgr.Commit(ctx, id)
			}(i, id)
		}
		close(start)
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			require.ErrorIs(t, err, transaction.ErrWriteConflict)
		}
		require.Equal(t, 1, wins, "round %d", round)
		require.Equal(t, before+1, h.latest("x"))
	}
}

// laggingCatalog serves a stale latest version while lag is set, like a
// catalog read from a lagging replica.
type laggingCatalog struct {
	*catalog.Memory
	mu  sync.Mutex
	lag bool
}

func (c *laggingCatalog) LatestVersion(ctx context.Context, table string) (uint64, error) {
	v, err := c.Memory.LatestVersion(ctx, table)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lag && v > 0 {
		v--
	}
	return v, err
}

func (c *laggingCatalog) setLag(lag bool) {
	c.mu.Lock()
	c.lag = lag
	c.mu.Unlock()
}

func TestInFlightLedgerCatchesStaleCatalogRead(t *testing.T) {
	lagging := &laggingCatalog{Memory: catalog.NewMemory()}
	h := &harness{
		t:        t,
		catalog:  lagging,
		chunks:   chunkstore.NewMemory(),
		registry: schema.NewRegistry(),
		branches: branch.NewMemory(),
		walDir:   t.TempDir(),
	}
	h.open(nil)
	ctx := context.Background()
	h.commitTable("orders", "v1")

	t1, err := h.mgr.Begin(ctx, transaction.WithTables("orders"))
	require.NoError(t, err)
	_, err = h.mgr.ReadTable(ctx, t1, "orders")
	require.NoError(t, err)

	h.commitTable("orders", "v2")
	lagging.setLag(true)

	require.NoError(t, h.mgr.WriteTable(ctx, t1, "orders", []byte("t1"), nil))
	err = h.mgr.Commit(ctx, t1)
	var conflict *transaction.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	require.Equal(t, transaction.LayerInFlight, conflict.Layer)
	require.Equal(t, uint64(2), conflict.Current)
}

func TestSnapshotIsFrozenAndReadsOwnWrites(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.commitTable("orders", "v1")

	t1, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	d, err := h.mgr.ReadTable(ctx, t1, "orders")
	require.NoError(t, err)
	require.Equal(t, "v1", string(d.Payload))

	h.commitTable("orders", "v2")

	d, err = h.mgr.ReadTable(ctx, t1, "orders")
	require.NoError(t, err)
	require.Equal(t, uint64(1), d.Version)
	require.Equal(t, "v1", string(d.Payload), "reads stay on the frozen snapshot")

	require.NoError(t, h.mgr.WriteTable(ctx, t1, "orders", []byte("mine"), nil))
	d, err = h.mgr.ReadTable(ctx, t1, "orders")
	require.NoError(t, err)
	require.True(t, d.Buffered)
	require.Equal(t, "mine", string(d.Payload))

	empty, err := h.mgr.ReadTable(ctx, t1, "never_written")
	require.NoError(t, err)
	require.Equal(t, uint64(0), empty.Version)
	require.Empty(t, empty.Payload)
}

func TestBlindWriteCommitsAtLatest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.commitTable("events", "v1")

	t1, err := h.mgr.Begin(ctx, transaction.WithTables("events"))
	require.NoError(t, err)
	h.commitTable("events", "v2")

	require.NoError(t, h.mgr.WriteTable(ctx, t1, "events", []byte("blind"), nil))
	require.NoError(t, h.mgr.Commit(ctx, t1), "a table never read is not checked")
	require.Equal(t, uint64(3), h.latest("events"))
	require.Equal(t, "blind", h.payloadAt("events", 3))
}

func TestAbortDiscardsWrites(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mgr.WriteTable(ctx, id, "orders", []byte("discard me"), nil))
	require.NoError(t, h.mgr.Abort(ctx, id))

	require.Equal(t, uint64(0), h.latest("orders"))
	require.Equal(t, 0, h.chunks.Len(), "abort has no storage side effects")

	state, err := h.mgr.Status(id)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateAborted, state)

	require.ErrorIs(t, h.mgr.Abort(ctx, id), transaction.ErrTxnNotActive)
	require.ErrorIs(t, h.mgr.Commit(ctx, id), transaction.ErrTxnNotActive)
	_, err = h.mgr.ReadTable(ctx, id, "orders")
	require.ErrorIs(t, err, transaction.ErrTxnNotActive)

	_, err = h.mgr.Status(transaction.TxnID{})
	require.ErrorIs(t, err, transaction.ErrTxnNotFound)
}

func TestAbortRejectedOnceCommitSerializes(t *testing.T) {
	var h *harness
	var id transaction.TxnID
	var abortErr error
	h = newHarness(t, &transaction.TestingKnobs{
		BeforeCatalogUpdate: func(txnID transaction.TxnID, table string) error {
			abortErr = h.mgr.Abort(context.Background(), txnID)
			return nil
		},
	})
	ctx := context.Background()

	var err error
	id, err = h.mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mgr.WriteTable(ctx, id, "orders", []byte("v1"), nil))
	require.NoError(t, h.mgr.Commit(ctx, id))
	require.ErrorIs(t, abortErr, transaction.ErrTxnCommitting)

	state, err := h.mgr.Status(id)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, state)
}

// TestCrashAfterCatalogUpdateRollsForward injects a crash between the
// catalog advance and the complete marker, then runs recovery twice.
func TestCrashAfterCatalogUpdateRollsForward(t *testing.T) {
	crash := true
	h := newHarness(t, &transaction.TestingKnobs{
		AfterCatalogUpdate: func(transaction.TxnID) error {
			if crash {
				return errInjectedCrash
			}
			return nil
		},
	})
	ctx := context.Background()
	crash = false
	h.commitTable("orders", "v1")
	crash = true

	id, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mgr.WriteTable(ctx, id, "orders", []byte("v2"), nil))
	require.ErrorIs(t, h.mgr.Commit(ctx, id), errInjectedCrash)
	require.Equal(t, uint64(2), h.latest("orders"), "catalog advanced before the crash")

	// The crashed manager refuses further commits until recovery.
	next, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mgr.WriteTable(ctx, next, "orders", []byte("blocked"), nil))
	require.ErrorIs(t, h.mgr.Commit(ctx, next), transaction.ErrRecoveryRequired)

	h.restart()
	report, err := h.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, transaction.RecoveryReport{Pending: 1, RolledForward: 1}, report)
	first := h.catalogState("orders")

	report, err = h.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, transaction.RecoveryReport{}, report)
	require.Equal(t, first, h.catalogState("orders"), "recovery is idempotent")
	require.Equal(t, "v2", h.payloadAt("orders", 2))

	h.commitTable("orders", "v3")
	require.Equal(t, uint64(3), h.latest("orders"))
}

func TestCrashBeforeCatalogUpdateRollsBack(t *testing.T) {
	h := newHarness(t, &transaction.TestingKnobs{
		BeforeCatalogUpdate: func(transaction.TxnID, string) error { return errInjectedCrash },
	})
	ctx := context.Background()

	id, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mgr.WriteTable(ctx, id, "orders", []byte("never visible"), nil))
	require.ErrorIs(t, h.mgr.Commit(ctx, id), errInjectedCrash)

	h.restart()
	report, err := h.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, transaction.RecoveryReport{Pending: 1, RolledBack: 1}, report)
	require.Equal(t, uint64(0), h.latest("orders"))

	report, err = h.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Pending)
}

func TestPartialMultiTableIntentRollsForward(t *testing.T) {
	h := newHarness(t, &transaction.TestingKnobs{
		BeforeCatalogUpdate: func(_ transaction.TxnID, table string) error {
			if table == "users" {
				return errInjectedCrash
			}
			return nil
		},
	})
	ctx := context.Background()

	id, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mgr.WriteTable(ctx, id, "orders", []byte("o1"), nil))
	require.NoError(t, h.mgr.WriteTable(ctx, id, "users", []byte("u1"), nil))
	require.ErrorIs(t, h.mgr.Commit(ctx, id), errInjectedCrash)
	require.Equal(t, uint64(1), h.latest("orders"))
	require.Equal(t, uint64(0), h.latest("users"))

	h.restart()
	report, err := h.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.RolledForward)
	require.Equal(t, uint64(1), h.latest("users"))
	require.Equal(t, "u1", h.payloadAt("users", 1))
}

func TestRecoveryInconsistencyIsReported(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.commitTable("orders", "v1")

	// An intent for orders@1 that disagrees with what the catalog holds.
	_, err := h.log.AppendRecord(&wal.LogRecord{
		TxnID:   transaction.TxnID{1},
		Type:    wal.LogRecordTypeIntent,
		Targets: []wal.Target{{Table: "orders", Version: 1, ChunkRefs: []string{"elsewhere"}}},
	})
	require.NoError(t, err)
	_, err = h.mgr.Recover(ctx)
	require.ErrorIs(t, err, transaction.ErrRecoveryInconsistency)

	_, err = h.log.AppendRecord(&wal.LogRecord{TxnID: transaction.TxnID{1}, Type: wal.LogRecordTypeDiscard})
	require.NoError(t, err)

	// A gap: the intent skips versions the catalog never had.
	_, err = h.log.AppendRecord(&wal.LogRecord{
		TxnID:   transaction.TxnID{2},
		Type:    wal.LogRecordTypeIntent,
		Targets: []wal.Target{{Table: "orders", Version: 7, ChunkRefs: []string{"x"}}},
	})
	require.NoError(t, err)
	_, err = h.mgr.Recover(ctx)
	require.ErrorIs(t, err, transaction.ErrRecoveryInconsistency)
	require.Equal(t, uint64(1), h.latest("orders"), "never auto-repaired")
}

func TestBranchScopedTransactions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.commitTable("orders", "main-1")
	h.commitTable("orders", "main-2")
	h.branches.Create("dev")
	h.branches.SetHead("dev", "orders", 1)

	t1, err := h.mgr.Begin(ctx, transaction.WithBranch("dev"))
	require.NoError(t, err)
	d, err := h.mgr.ReadTable(ctx, t1, "orders")
	require.NoError(t, err)
	require.Equal(t, uint64(1), d.Version)
	require.Equal(t, "main-1", string(d.Payload))

	t2, err := h.mgr.Begin(ctx, transaction.WithBranch("dev"))
	require.NoError(t, err)
	_, err = h.mgr.ReadTable(ctx, t2, "orders")
	require.NoError(t, err)

	require.NoError(t, h.mgr.WriteTable(ctx, t1, "orders", []byte("dev-1"), nil))
	require.NoError(t, h.mgr.Commit(ctx, t1), "main moving ahead does not conflict with dev")
	require.Equal(t, uint64(3), h.latest("orders"))
	head, err := h.branches.ResolveHead(ctx, "dev", "orders")
	require.NoError(t, err)
	require.Equal(t, uint64(3), head)

	require.NoError(t, h.mgr.WriteTable(ctx, t2, "orders", []byte("dev-2"), nil))
	require.ErrorIs(t, h.mgr.Commit(ctx, t2), transaction.ErrWriteConflict)
}

func TestColumnOperatorsRegisteredOnCommit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	types := map[string]algebra.OpType{"hits": algebra.OpAdd, "tags": algebra.OpUnion}
	require.NoError(t, h.mgr.WriteTable(ctx, id, "stats", []byte("{}"), types))
	require.Equal(t, algebra.OpUnknown, h.registry.Lookup("stats", "hits"), "registered only at commit")
	require.NoError(t, h.mgr.Commit(ctx, id))
	require.Equal(t, algebra.OpAdd, h.registry.Lookup("stats", "hits"))

	entry, err := h.catalog.GetVersion(ctx, "stats", 1)
	require.NoError(t, err)
	require.Equal(t, schema.HashColumns(types), entry.SchemaHash)

	id, err = h.mgr.Begin(ctx)
	require.NoError(t, err)
	err = h.mgr.WriteTable(ctx, id, "stats", []byte("{}"), map[string]algebra.OpType{"hits": algebra.OpMax})
	require.ErrorIs(t, err, schema.ErrAlreadyRegistered)
}

func TestReadOnlyTransactionCommits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.commitTable("orders", "v1")

	id, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	_, err = h.mgr.ReadTable(ctx, id, "orders")
	require.NoError(t, err)
	h.commitTable("orders", "v2")
	require.NoError(t, h.mgr.Commit(ctx, id))
	require.Equal(t, 0, h.mgr.ActiveCount())
}

// TestReadsSeeSnapshotAsOfBegin: a table first read after another commit
// landed must still show the state at Begin, or a reader could observe
// half of that commit.
func TestReadsSeeSnapshotAsOfBegin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.commitTable("orders", "o1")
	h.commitTable("users", "u1")

	t1, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	d, err := h.mgr.ReadTable(ctx, t1, "orders")
	require.NoError(t, err)
	require.Equal(t, "o1", string(d.Payload))

	t2 := h.writeOrdersAndUsers("o2", "u2")
	require.NoError(t, h.mgr.Commit(ctx, t2))
	require.Equal(t, uint64(2), h.latest("users"))

	d, err = h.mgr.ReadTable(ctx, t1, "users")
	require.NoError(t, err)
	require.Equal(t, uint64(1), d.Version)
	require.Equal(t, "u1", string(d.Payload))
	require.NoError(t, h.mgr.Commit(ctx, t1), "read-only commit of a consistent snapshot")

	// A table created after Begin does not exist for the transaction.
	t3, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	h.commitTable("events", "e1")
	d, err = h.mgr.ReadTable(ctx, t3, "events")
	require.NoError(t, err)
	require.Equal(t, uint64(0), d.Version)
	require.Empty(t, d.Payload)

	t4, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	d, err = h.mgr.ReadTable(ctx, t4, "users")
	require.NoError(t, err)
	require.Equal(t, "u2", string(d.Payload))
}

func TestBranchReadsSeeHeadAsOfBegin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.commitTable("orders", "main-1")
	h.commitTable("users", "main-1")
	h.branches.Create("dev")
	h.branches.SetHead("dev", "orders", 1)
	h.branches.SetHead("dev", "users", 1)

	reader, err := h.mgr.Begin(ctx, transaction.WithBranch("dev"))
	require.NoError(t, err)
	_, err = h.mgr.ReadTable(ctx, reader, "orders")
	require.NoError(t, err)

	writer, err := h.mgr.Begin(ctx, transaction.WithBranch("dev"))
	require.NoError(t, err)
	require.NoError(t, h.mgr.WriteTable(ctx, writer, "users", []byte("dev-2"), nil))
	require.NoError(t, h.mgr.Commit(ctx, writer))
	head, err := h.branches.ResolveHead(ctx, "dev", "users")
	require.NoError(t, err)
	require.Equal(t, uint64(2), head)

	d, err := h.mgr.ReadTable(ctx, reader, "users")
	require.NoError(t, err)
	require.Equal(t, uint64(1), d.Version)
	require.Equal(t, "main-1", string(d.Payload))

	// The dev commit moved the catalog too, so a main reader is pinned as well.
	main, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	h.commitTable("users", "main-3")
	d, err = h.mgr.ReadTable(ctx, main, "users")
	require.NoError(t, err)
	require.Equal(t, uint64(2), d.Version)
	require.Equal(t, "dev-2", string(d.Payload))
}

// TestPartialAdvanceRollsForwardInPlace: once orders is visible, a failed
// advance of users must not report the transaction Aborted.
func TestPartialAdvanceRollsForwardInPlace(t *testing.T) {
	cat := &flakyCatalog{Memory: catalog.NewMemory(), table: "users", failing: true, failOnce: true}
	h := newFlakyHarness(t, cat)
	ctx := context.Background()

	id := h.writeOrdersAndUsers("o1", "u1")
	require.NoError(t, h.mgr.Commit(ctx, id))
	require.Equal(t, uint64(1), h.latest("orders"))
	require.Equal(t, uint64(1), h.latest("users"))
	require.Equal(t, "u1", h.payloadAt("users", 1))

	state, err := h.mgr.Status(id)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, state)

	pending, err := h.log.Pending()
	require.NoError(t, err)
	require.Empty(t, pending, "the intent is marked complete exactly once")
	h.commitTable("orders", "o2")
}

func TestPartialAdvanceLeftInDoubtUntilRecover(t *testing.T) {
	cat := &flakyCatalog{Memory: catalog.NewMemory(), table: "users", failing: true}
	h := newFlakyHarness(t, cat)
	ctx := context.Background()

	id := h.writeOrdersAndUsers("o1", "u1")
	err := h.mgr.Commit(ctx, id)
	require.ErrorIs(t, err, transaction.ErrRecoveryRequired)
	require.ErrorIs(t, err, errCatalogUnavailable)
	require.Equal(t, uint64(1), h.latest("orders"))
	require.Equal(t, uint64(0), h.latest("users"))

	state, err := h.mgr.Status(id)
	require.NoError(t, err)
	require.NotEqual(t, transaction.TxnStateAborted, state, "orders is already visible")
	require.ErrorIs(t, h.mgr.Abort(ctx, id), transaction.ErrTxnCommitting)

	next, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mgr.WriteTable(ctx, next, "events", []byte("blocked"), nil))
	require.ErrorIs(t, h.mgr.Commit(ctx, next), transaction.ErrRecoveryRequired)

	cat.setFailing(false)
	report, err := h.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, transaction.RecoveryReport{Pending: 1, RolledForward: 1}, report)
	require.Equal(t, uint64(1), h.latest("users"))
	require.Equal(t, "u1", h.payloadAt("users", 1))

	state, err = h.mgr.Status(id)
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateCommitted, state)
	h.commitTable("users", "u2")
	require.Equal(t, uint64(2), h.latest("users"))
}

func TestRecoveredCommitRegistersColumnTypes(t *testing.T) {
	h := newHarness(t, &transaction.TestingKnobs{
		AfterCatalogUpdate: func(transaction.TxnID) error { return errInjectedCrash },
	})
	ctx := context.Background()

	id, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	types := map[string]algebra.OpType{"hits": algebra.OpAdd, "tags": algebra.OpUnion}
	require.NoError(t, h.mgr.WriteTable(ctx, id, "stats", []byte("{}"), types))
	require.ErrorIs(t, h.mgr.Commit(ctx, id), errInjectedCrash)
	require.Equal(t, uint64(1), h.latest("stats"))

	// The registry is in-memory; a restart starts from an empty one.
	h.registry = schema.NewRegistry()
	h.restart()
	report, err := h.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.RolledForward)
	require.Equal(t, algebra.OpAdd, h.registry.Lookup("stats", "hits"))
	require.Equal(t, algebra.OpUnion, h.registry.Lookup("stats", "tags"))

	next, err := h.mgr.Begin(ctx)
	require.NoError(t, err)
	err = h.mgr.WriteTable(ctx, next, "stats", []byte("{}"), map[string]algebra.OpType{"hits": algebra.OpMax})
	require.ErrorIs(t, err, schema.ErrAlreadyRegistered)
}
