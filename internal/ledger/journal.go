package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeTransfer JournalType = iota
	JournalTypeTransferFrom
	JournalTypeMint
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeTransferFrom:
		return "transfer_from"
	case JournalTypeMint:
		return "mint"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries of one command
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Symbol        string      // Token being transferred
	Amount        int64       // ALWAYS positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned block time (epoch microseconds)
}

// Batch represents the journal entries produced by one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from the credit account to the debit account, so every entry is
// balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Symbol != j.Symbol || j.CreditAccount.Symbol != j.Symbol {
			return fmt.Errorf("journal %s mixes symbols", j.JournalID)
		}
	}

	return nil
}
