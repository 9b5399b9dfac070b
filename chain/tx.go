package chain

// Tx is the application-supplied transaction type: Catena's core never
// interprets statement bytes, only serializes, signs and classifies them
// (spec §1, collaborator (i)).
type Tx interface {
	// SigningBytes returns invoker ‖ counter_le ‖ statement_bytes, the
	// exact bytes an Ed25519 signature covers (spec §6 "Transaction
	// signing bytes").
	SigningBytes() []byte
	// Verify reports whether the transaction's signature is valid over
	// SigningBytes() against its own invoker key.
	Verify() bool
}

// CanAccept is the tri-state a TxClassifier returns for a candidate
// transaction entering the memory pool (spec §4.4).
type CanAccept int

const (
	// AcceptNow: the transaction is eligible for the template immediately.
	AcceptNow CanAccept = iota
	// AcceptFuture: eligible later, once more chain state accrues; parked
	// in the miner's aside buffer.
	AcceptFuture
	// AcceptNever: permanently rejected.
	AcceptNever
)

func (c CanAccept) String() string {
	switch c {
	case AcceptNow:
		return "now"
	case AcceptFuture:
		return "future"
	case AcceptNever:
		return "never"
	default:
		return "unknown"
	}
}

// TxClassifier is the application hook that decides whether a transaction
// may enter the pool now, later, or never (spec §4.4 "canAccept(tx, pool)").
// The "pool" argument from the spec is implicit: a classifier closes over
// whatever head-state view the application needs to answer the question.
type TxClassifier interface {
	Classify(tx Tx) CanAccept
}

// ExecutionHook is invoked whenever the ledger's head advances or rewinds
// (spec §1, collaborator (iii)).
type ExecutionHook interface {
	OnAdvance(b *Block)
	OnUnwind(b *Block)
}
