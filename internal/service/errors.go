package service

import (
	"errors"
	"fmt"
)

// Kind classifies why CreateSale failed.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindPrescriptionRequired Kind = "prescription_required"
	KindStockInsufficient    Kind = "stock_insufficient"
	KindConcurrencyConflict  Kind = "concurrency_conflict"
	KindStorageFault         Kind = "storage_fault"
)

// Error is the only error type CreateSale returns. Storage driver errors are
// kept in Err and never returned bare.
type Error struct {
	Kind         Kind
	MedicationID string
	Requested    int
	Shortfall    int
	Msg          string
	Err          error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStockInsufficient:
		return fmt.Sprintf("stock insufficient for medication %s: requested %d, short by %d", e.MedicationID, e.Requested, e.Shortfall)
	case KindPrescriptionRequired:
		return fmt.Sprintf("medication %s requires a prescription sale", e.MedicationID)
	}

	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether rerunning the same sale may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindConcurrencyConflict
}

// KindOf returns the Kind of err, or "" when err is not a service error.
func KindOf(err error) Kind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return ""
}

func validationError(msg string, err error) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Err: err}
}

func storageFault(msg string, err error) *Error {
	return &Error{Kind: KindStorageFault, Msg: msg, Err: err}
}

func stockInsufficient(medicationID string, requested int, available int) *Error {
	return &Error{
		Kind:         KindStockInsufficient,
		MedicationID: medicationID,
		Requested:    requested,
		Shortfall:    requested - available,
	}
}
