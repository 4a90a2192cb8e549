package contract

import "errors"

var (
	// ErrProtocolMismatch means the two parties disagree on the contract
	// terms or on the transactions derived from them. Raised before any
	// signature is released, so no funds are at risk.
	ErrProtocolMismatch = errors.New("counterparty disagrees on contract terms")

	// ErrInvalidSignature means a counterparty signature or pre-signature
	// failed verification. Raised before local funding signatures are
	// released, so no funds are at risk.
	ErrInvalidSignature = errors.New("counterparty signature invalid")

	// ErrTimeout means the counterparty did not answer within the
	// negotiation round deadline.
	ErrTimeout = errors.New("counterparty did not respond in time")

	// ErrAlreadySettled means a settlement transaction for this contract
	// was already broadcast; the duplicate request is rejected without
	// side effects.
	ErrAlreadySettled = errors.New("contract already settled")

	// ErrBadState means the operation is not valid in the contract's
	// current lifecycle state.
	ErrBadState = errors.New("operation not valid in current contract state")

	// ErrRefundNotDue means the chain has not yet reached the agreed
	// refund height.
	ErrRefundNotDue = errors.New("refund height not reached")
)
