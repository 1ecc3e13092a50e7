package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	SubTypeWallet AccountSubType = iota

	// External boundary for tokens entering the ledger
	SubTypeExternalMint
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Holder  common.Address
	SubType AccountSubType
	Symbol  string
}

// NewHolderAccountKey creates the wallet key of a token holder (players,
// the owner and the engine itself).
func NewHolderAccountKey(holder common.Address, symbol string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeHolder,
		Holder:  holder,
		SubType: SubTypeWallet,
		Symbol:  symbol,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, symbol string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Symbol:  symbol,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s:%s:%s", k.Holder.Hex(), k.subTypeName(), k.Symbol)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Symbol)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeExternalMint:
		return "mint"
	default:
		return "unknown"
	}
}

// AllowanceKey identifies an approval of Spender over Owner's balance.
type AllowanceKey struct {
	Owner   common.Address
	Spender common.Address
	Symbol  string
}
