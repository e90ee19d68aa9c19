package models

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/erp_backend/utils"
	"gorm.io/gorm"
)

// ErrValidation marks malformed caller input. Wrapped with the offending detail.
var ErrValidation = errors.New("validation failed")

// ConfigurationError: a referenced organization/process/product/batch does not exist
// or a recipe lacks a required product. Not retriable without fixing data.
type ConfigurationError struct {
	Resource string `json:"resource"`
	Id       int    `json:"id,omitempty"`
	Reason   string `json:"reason"`
}

func (e *ConfigurationError) Error() string {
	if e.Id > 0 {
		return fmt.Sprintf("missing configuration: %s %d: %s", e.Resource, e.Id, e.Reason)
	}
	return fmt.Sprintf("missing configuration: %s: %s", e.Resource, e.Reason)
}

// InsufficientStockError is returned when a deduction would drive stock below zero.
// Nothing has been mutated when this is returned.
type InsufficientStockError struct {
	ProductId   int    `json:"product_id"`
	ProductName string `json:"product_name"`
	Available   int64  `json:"available"`
	Required    int64  `json:"required"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s (product %d): available %d, required %d",
		e.ProductName, e.ProductId, e.Available, e.Required)
}

type AlreadyCompletedError struct {
	BatchId int `json:"batch_id"`
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("batch %d is already completed", e.BatchId)
}

// TransientStoreError wraps database failures the caller may retry.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func validateInput(input any) error {
	if err := utils.ValidateStruct(input); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return nil
}

// storeError passes domain errors through and wraps everything else as transient.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &TransientStoreError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	var cfgErr *ConfigurationError
	var stockErr *InsufficientStockError
	var doneErr *AlreadyCompletedError
	var storeErr *TransientStoreError
	return errors.As(err, &cfgErr) ||
		errors.As(err, &stockErr) ||
		errors.As(err, &doneErr) ||
		errors.As(err, &storeErr) ||
		errors.Is(err, ErrValidation)
}

// notFoundAs maps gorm/utils not-found to a ConfigurationError for the given resource.
func notFoundAs(err error, resource string, id int, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, utils.ErrNotFoundInOrganization) {
		return &ConfigurationError{Resource: resource, Id: id, Reason: "not found"}
	}
	return storeError(op, err)
}
