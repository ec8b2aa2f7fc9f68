package domain

import (
	"fmt"
	"time"
)

type TxSource uint8

const (
	// TxSourceApp marks transactions built by the platform itself, awaiting
	// or past broadcast.
	TxSourceApp TxSource = iota
	// TxSourceBlock marks transactions first seen in a confirmed block.
	TxSourceBlock
	// TxSourceMempool marks transactions first seen unconfirmed.
	TxSourceMempool
)

func (s TxSource) String() string {
	return []string{"app", "block", "mempool"}[s]
}

func ParseTxSource(source string) (TxSource, error) {
	switch source {
	case "app":
		return TxSourceApp, nil
	case "block":
		return TxSourceBlock, nil
	case "mempool":
		return TxSourceMempool, nil
	default:
		return 0, fmt.Errorf("unknown tx source %q", source)
	}
}

type Outpoint struct {
	Txid string
	VOut uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.VOut)
}

// Output is a transaction output paying a tracked wallet, or consumed by one.
// Address is nil when the script is not a recognizable address.
type Output struct {
	Outpoint
	Value       int64
	Address     *string
	SpentByTxid *string
}

func (o Output) Spent() bool {
	return o.SpentByTxid != nil
}

// Transaction is a ledger row for a transaction touching a tracked wallet.
// Height and BlockTimestamp stay nil while unconfirmed. Packet carries the
// signed packet of platform-built transactions.
type Transaction struct {
	Txid           string
	WalletID       string
	Source         TxSource
	Height         *int64
	BlockTimestamp *time.Time
	Packet         string
	BroadcastError *string
	CreatedAt      time.Time
	Outputs        []Output
}

func (t Transaction) Confirmed() bool {
	return t.Height != nil
}
