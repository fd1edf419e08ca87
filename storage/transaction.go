package storage

import "github.com/polodb/polodb-go/dberr"

// TxState names the backend-visible transaction state (§4.12).
// None -> Read, None -> Write, Read -> Write (if no other writer),
// Read -> None (commit/rollback), Write -> None. Any other request fails
// with NoTransactionStarted or Busy.
type TxState int

const (
	StateNone TxState = iota
	StateRead
	StateWrite
)

func (s TxState) String() string {
	switch s {
	case StateRead:
		return "Read"
	case StateWrite:
		return "Write"
	default:
		return "None"
	}
}

// txGuard tracks the backend's transaction state and enforces the legal
// transitions of §4.12. It does not itself suspend callers: per §5, the
// engine is single-writer and fail-fast, never waiting for a lock.
type txGuard struct {
	state TxState
}

func (g *txGuard) begin(ty TransactionType) error {
	switch g.state {
	case StateNone:
		if ty == TxWrite {
			g.state = StateWrite
		} else {
			g.state = StateRead
		}
		return nil
	case StateRead, StateWrite:
		return dberr.New(dberr.Busy, "a transaction is already in progress")
	default:
		return dberr.New(dberr.NoTransactionStarted, "unknown transaction state")
	}
}

func (g *txGuard) upgrade() error {
	if g.state != StateRead {
		return dberr.New(dberr.NoTransactionStarted, "no read transaction to upgrade")
	}
	g.state = StateWrite
	return nil
}

func (g *txGuard) end() error {
	if g.state == StateNone {
		return dberr.New(dberr.NoTransactionStarted, "no transaction in progress")
	}
	g.state = StateNone
	return nil
}
