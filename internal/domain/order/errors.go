package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors for order operations.
var (
	ErrMissingUserID        = errors.New("userId is required")
	ErrMissingPaymentMethod = errors.New("paymentMethod is required")
	ErrEmptyCart            = errors.New("cartItems must be a non-empty list")
	ErrNotFound             = errors.New("order not found")
	ErrItemNotFound         = errors.New("order item not found")
	ErrForbidden            = errors.New("order belongs to another user")
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IllegalTransitionError is returned when an action is not allowed from the
// current status of an order or item.
type IllegalTransitionError struct {
	OrderID int64
	Action  string
	Status  Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s order", e.Action, e.Status)
}

// InsufficientStockError indicates the stock decrement affected no rows.
type InsufficientStockError struct {
	ProductID int64
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (requested %d)", e.ProductID, e.Requested)
}

// Step names the transaction statement that failed.
type Step string

const (
	StepInsertOrder    Step = "insert_order"
	StepInsertItem     Step = "insert_item"
	StepDecrementStock Step = "decrement_stock"
	StepLockOrder      Step = "lock_order"
	StepGetItem        Step = "get_item"
	StepSetStatus      Step = "set_status"
	StepRestoreStock   Step = "restore_stock"
	StepUpdateItem     Step = "update_item"
	StepSetRating      Step = "set_rating"
	StepCommit         Step = "commit"
)

// StepError wraps a persistence failure with the step it happened at.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step Step, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Err: err}
}

// failedStep extracts the step from err, or StepCommit when err did not come
// from a named statement.
func failedStep(err error) Step {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return StepCommit
}
