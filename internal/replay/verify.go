package replay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pvoronin/watchgate/internal/event"
	"github.com/pvoronin/watchgate/internal/ledger"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Events   int    `json:"events"`
	Error    string `json:"error,omitempty"`
	ErrorSeq int64  `json:"error_seq,omitempty"`
}

// VerifyChain walks every committed event in physical append order and
// validates the hash chain: the first event must reference the genesis
// hash, and each subsequent event's prev_hash must equal the hash of the
// previous event's canonical bytes. Any edit, insertion, or removal breaks
// the chain at (or after) the touched row.
func VerifyChain(ctx context.Context, store *ledger.Store) VerifyResult {
	prevHash := event.GenesisHash
	count := 0

	err := store.WalkAppendOrder(ctx, func(seq int64, body []byte) error {
		count++

		var e event.Event
		if err := json.Unmarshal(body, &e); err != nil {
			return &chainError{seq: seq, msg: fmt.Sprintf("parse error: %v", err)}
		}
		if e.PrevHash != prevHash {
			return &chainError{seq: seq, msg: fmt.Sprintf("hash mismatch: expected %s, got %s", prevHash, e.PrevHash)}
		}

		prevHash = event.Hash(body)
		return nil
	})

	if err != nil {
		if ce, ok := err.(*chainError); ok {
			return VerifyResult{Events: count, Error: ce.msg, ErrorSeq: ce.seq}
		}
		return VerifyResult{Events: count, Error: err.Error()}
	}

	return VerifyResult{Valid: true, Events: count}
}

type chainError struct {
	seq int64
	msg string
}

func (e *chainError) Error() string {
	return fmt.Sprintf("seq %d: %s", e.seq, e.msg)
}
