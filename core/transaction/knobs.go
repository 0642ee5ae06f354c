package transaction

// TestingKnobs inject faults into the commit path. A hook returning an error
// stops the commit at that point without writing any further log records,
// which is what a process crash looks like to recovery.
type TestingKnobs struct {
	// BeforeCatalogUpdate runs after the intent is durable and chunks are
	// stored, before the catalog advance of each table.
	BeforeCatalogUpdate func(txnID TxnID, table string) error
	// AfterCatalogUpdate runs once every table has advanced, before the
	// intent is marked complete.
	AfterCatalogUpdate func(txnID TxnID) error
}
