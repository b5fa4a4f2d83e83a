package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainbillhq/chainbill/app/models"
)

// Confirmation statuses reported by the chain layer's async callback.
const (
	ConfirmationConfirmed = "confirmed"
	ConfirmationReverted  = "reverted"
)

// SubmitRequest carries everything the chain layer needs to exercise a
// delegation for one billing period. Transaction construction details live
// entirely behind the ChainRedeemer implementation.
type SubmitRequest struct {
	Delegation   models.DelegationRecord
	Recipient    string
	TokenAddress string
	Network      string
	// Amount in token base units.
	Amount int64
}

// SubmitResult is the successful outcome of an on-chain submission.
type SubmitResult struct {
	TxHash string
}

// ChainRedeemer submits an authorized transfer on-chain. Submit blocks
// until the transaction is accepted or rejected, bounded by the caller's
// context deadline. Confirmation arrives later through OnConfirmed on the
// ledger.
type ChainRedeemer interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
}

// ErrSubmitTimeout is returned when the chain layer did not answer within
// the caller's deadline. The subscription is left overdue; the claim
// marker's expiry lets another worker retry later.
var ErrSubmitTimeout = errors.New("chain submission timed out")

// RevertError reports a transaction that was broadcast and then reverted
// on-chain. It carries the hash so the failure event can reference it.
type RevertError struct {
	TxHash string
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("transaction %s reverted: %s", e.TxHash, e.Reason)
}

// failureEventType maps a submission error to the event taxonomy: reverts
// are failed_transaction, everything else is failed_redemption.
func failureEventType(err error) (eventType, txHash string) {
	var revert *RevertError
	if errors.As(err, &revert) {
		return models.EventTypeFailedTransaction, revert.TxHash
	}
	return models.EventTypeFailedRedemption, ""
}
