package core

import (
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/state"
	"sort"
)

// computeStateDigest creates canonical bytes for the state hash from
// everything a command changed: ledger accounts, allowances, config, bets
// and pending requests.
func (c *SettlementEngine) computeStateDigest(delta state.Delta, touched []ledger.AccountKey, allowances []ledger.AllowanceEntry) []byte {
	sort.Slice(touched, func(i, j int) bool {
		return touched[i].AccountPath() < touched[j].AccountPath()
	})

	digest := make([]byte, 0, len(touched)*64+len(delta.Bets)*64)

	for _, key := range touched {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, c.ledger.AccountBalance(key))
	}

	for _, a := range allowances {
		digest = append(digest, 'A')
		digest = append(digest, a.Key.Owner.Bytes()...)
		digest = append(digest, a.Key.Spender.Bytes()...)
		digest = appendInt64LE(digest, a.Amount)
	}

	if cfg := delta.Config; cfg != nil {
		digest = append(digest, 'C')
		digest = appendBool(digest, cfg.Initialized)
		digest = append(digest, cfg.Owner.Bytes()...)
		digest = append(digest, cfg.Oracle.Bytes()...)
		digest = append(digest, byte(len(cfg.TokenSymbol)))
		digest = append(digest, cfg.TokenSymbol...)
		digest = appendInt64LE(digest, cfg.SubscriptionID)
		digest = appendInt64LE(digest, int64(cfg.OracleKeyIndex))
	}

	for _, b := range delta.Bets {
		digest = append(digest, 'B')
		digest = append(digest, b.Account.Bytes()...)
		digest = appendBool(digest, b.Pending)
		digest = appendBool(digest, b.Won)
		digest = appendInt64LE(digest, b.Stake)
		digest = appendInt64LE(digest, b.RequestHeight)
		digest = append(digest, byte(b.Dice1), byte(b.Dice2))
	}

	for _, p := range delta.Pending {
		digest = append(digest, 'P')
		digest = append(digest, p.CorrelationID.Bytes()...)
		digest = append(digest, p.Account.Bytes()...)
		digest = appendInt64LE(digest, p.RequestHeight)
		digest = appendBool(digest, p.Consumed)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}
