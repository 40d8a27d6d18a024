package billing

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("billing: validation failed")
	ErrInvalidProgress        = errors.New("billing: invalid progress")
	ErrInvalidAmount          = errors.New("billing: invalid amount")
	ErrPermissionDenied       = errors.New("billing: permission denied")
	ErrInvalidStateTransition = errors.New("billing: invalid state transition")
	ErrNotFound               = errors.New("billing: not found")
	// ErrDuplicateSubmit is returned when an idempotency key was already used.
	ErrDuplicateSubmit = errors.New("billing: duplicate submit")
)

// FormatDocNo renders the human document number, e.g. #0007.
func FormatDocNo(docNo int64) string {
	return fmt.Sprintf("#%04d", docNo)
}

// DocumentError ties a failure to the document it happened on.
type DocumentError struct {
	DocNo int64
	Op    string
	Err   error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("billing %s %s: %v", FormatDocNo(e.DocNo), e.Op, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// Step names a write inside an approval, undo or delete transaction.
type Step string

const (
	StepApproveHeader      Step = "approve_header"
	StepUpsertJobLines     Step = "upsert_job_lines"
	StepReplaceAdjustments Step = "replace_adjustments"
	StepInsertPayments     Step = "insert_payments"
	StepDeletePayments     Step = "delete_payments"
	StepResetHeader        Step = "reset_header"
	StepDeleteDocument     Step = "delete_document"
	StepCommit             Step = "commit"
)

// ReconciliationError reports a failed ledger-touching write. The transaction
// is rolled back, so the ledger is unchanged unless Step is StepCommit, in
// which case the outcome must be checked by hand.
type ReconciliationError struct {
	DocNo int64
	Step  Step
	Err   error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("billing %s: reconciliation failed at %s: %v", FormatDocNo(e.DocNo), e.Step, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

func docErr(docNo int64, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DocumentError
	var re *ReconciliationError
	if errors.As(err, &de) || errors.As(err, &re) {
		return err
	}
	return &DocumentError{DocNo: docNo, Op: op, Err: err}
}
