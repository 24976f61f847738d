package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mmdatafocus/shipments_backend/utils"
)

var (
	ErrIllegalTransition        = errors.New("illegal stage transition")
	ErrSkipNotAllowed           = errors.New("stage skipping is not allowed")
	ErrOverAllocation           = errors.New("over allocation")
	ErrInsufficientContainers   = errors.New("insufficient containers")
	ErrDocumentRequirementUnmet = errors.New("document requirement unmet")
	ErrConcurrencyConflict      = errors.New("concurrency conflict")
)

// IllegalTransitionError is returned for a backward stage move.
type IllegalTransitionError struct {
	FromStage int
	ToStage   int
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot move shipment from stage %d (%s) back to stage %d (%s)",
		e.FromStage, ShipmentStageName(e.FromStage), e.ToStage, ShipmentStageName(e.ToStage))
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// SkipNotAllowedError is returned for a forward jump of more than one stage.
type SkipNotAllowedError struct {
	FromStage int
	ToStage   int
}

func (e *SkipNotAllowedError) Error() string {
	return fmt.Sprintf("cannot skip from stage %d (%s) to stage %d (%s); stages advance one at a time",
		e.FromStage, ShipmentStageName(e.FromStage), e.ToStage, ShipmentStageName(e.ToStage))
}

func (e *SkipNotAllowedError) Unwrap() error { return ErrSkipNotAllowed }

// StageValidationError reports one unmet field requirement of a stage.
type StageValidationError struct {
	Stage  int
	Field  string
	Reason string
}

func (e *StageValidationError) Error() string {
	return fmt.Sprintf("stage %d (%s): %s %s", e.Stage, ShipmentStageName(e.Stage), e.Field, e.Reason)
}

// StageRequirementsError aggregates every unmet requirement found while
// validating one transition, so the caller can remediate in a single round.
type StageRequirementsError struct {
	FromStage        int
	ToStage          int
	Fields           []*StageValidationError
	MissingDocuments []string
}

func (e *StageRequirementsError) Error() string {
	return fmt.Sprintf("stage %d (%s) requirements unmet: %s",
		e.ToStage, ShipmentStageName(e.ToStage), strings.Join(e.MissingRequirements(), "; "))
}

func (e *StageRequirementsError) Unwrap() error {
	if len(e.MissingDocuments) > 0 {
		return ErrDocumentRequirementUnmet
	}
	return nil
}

// MissingRequirements flattens field problems and missing document names
// into the remediation list the transition result carries.
func (e *StageRequirementsError) MissingRequirements() []string {
	out := make([]string, 0, len(e.Fields)+len(e.MissingDocuments))
	for _, f := range e.Fields {
		out = append(out, fmt.Sprintf("%s %s", f.Field, f.Reason))
	}
	for _, name := range e.MissingDocuments {
		out = append(out, fmt.Sprintf("missing document: %s", name))
	}
	return out
}

// OverAllocationError is returned when a requested allocation would push the
// total allocated quantity of a purchase order item past its ordered quantity.
type OverAllocationError struct {
	PoItemId          int
	Ordered           decimal.Decimal
	AllocatedByOthers decimal.Decimal
	Requested         decimal.Decimal
	Available         decimal.Decimal
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("allocated qty must be equal or less than purchase order item qty (po item %d: requested %s, available %s of %s)",
		e.PoItemId, e.Requested.String(), e.Available.String(), e.Ordered.String())
}

func (e *OverAllocationError) Unwrap() error { return ErrOverAllocation }

// InsufficientContainersError is returned when a split requests more
// containers than the parent shipment still holds.
type InsufficientContainersError struct {
	Kind      string
	Requested int
	Available int
}

func (e *InsufficientContainersError) Error() string {
	return fmt.Sprintf("cannot move %d %s containers; parent only has %d", e.Requested, e.Kind, e.Available)
}

func (e *InsufficientContainersError) Unwrap() error { return ErrInsufficientContainers }

// translateDBError maps storage-level failures onto the domain taxonomy.
// MySQL 1205 (lock wait timeout) and 1213 (deadlock) surface as
// ErrConcurrencyConflict so callers can retry instead of reporting data errors.
func translateDBError(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1205, 1213:
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, mysqlErr.Message)
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorRecordNotFound
	}
	return err
}
