package common

// TxnID is a top-level transaction identifier. Subtransactions never get
// their own undo chains; everything is recorded under the top transaction.
type TxnID uint64

const NilTxnID = TxnID(0)

// XIDEpoch disambiguates reused transaction ids across id-counter wraparounds.
type XIDEpoch uint32

type CommandID uint32

const FirstCommandID = CommandID(0)

// FileID identifies an on-disk file: either a relation's data file or an
// undo log (for undo logs the FileID equals the log number).
type FileID uint64

// PageID is a block number within a file.
type PageID uint64

const InvalidPageID = ^PageID(0)

type PageIdentity struct {
	FileID FileID
	PageID PageID
}

// ItemOffset addresses one item within a data page.
type ItemOffset uint16

const InvalidItemOffset = ItemOffset(0)

type TablespaceID uint32

const DefaultTablespaceID = TablespaceID(1663)

type ForkNumber uint8

const MainFork = ForkNumber(0)
