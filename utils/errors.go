package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError is returned for malformed requests such as tile
// coordinates outside of a mosaic grid or non positive scales.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// CorruptionError reports catalog state violating an invariant. It is
// never repaired automatically.
type CorruptionError struct {
	Msg string
}

func (e *CorruptionError) Error() string {
	return "catalog corruption: " + e.Msg
}

func NewCorruptionError(format string, args ...interface{}) error {
	return &CorruptionError{Msg: fmt.Sprintf(format, args...)}
}

// ReferencingError reports a CRS mismatch or a geometry that cannot be
// transformed.
type ReferencingError struct {
	Msg string
	Err error
}

func (e *ReferencingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("referencing: %s: %v", e.Msg, e.Err)
	}
	return "referencing: " + e.Msg
}

func (e *ReferencingError) Unwrap() error { return e.Err }

func NewReferencingError(err error, format string, args ...interface{}) error {
	return &ReferencingError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// StorageError wraps an I/O or driver failure together with the catalog
// context it happened in. Band is 0 when not applicable.
type StorageError struct {
	Op      string
	Product string
	Format  string
	Band    int
	Err     error
}

func (e *StorageError) Error() string {
	var ctx []string
	if len(e.Product) > 0 {
		ctx = append(ctx, "product="+e.Product)
	}
	if len(e.Format) > 0 {
		ctx = append(ctx, "format="+e.Format)
	}
	if e.Band > 0 {
		ctx = append(ctx, fmt.Sprintf("band=%d", e.Band))
	}
	msg := "storage: " + e.Op
	if len(ctx) > 0 {
		msg += " [" + strings.Join(ctx, " ") + "]"
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// EntityRemovedError is returned by any operation on a product, pyramid
// or mosaic handle after the entity has been deleted.
type EntityRemovedError struct {
	Kind string
	Name string
}

func (e *EntityRemovedError) Error() string {
	return fmt.Sprintf("%s %q has been removed", e.Kind, e.Name)
}

// AsStorageError wraps err into a StorageError unless it already belongs
// to the error taxonomy, in which case it is returned untouched.
func AsStorageError(err error, op, product, format string, band int) error {
	if err == nil || IsClassified(err) {
		return err
	}
	return &StorageError{Op: op, Product: product, Format: format, Band: band, Err: err}
}

// IsClassified tells whether err already carries one of the typed errors.
func IsClassified(err error) bool {
	return IsValidation(err) || IsCorruption(err) || IsReferencing(err) || IsStorage(err) || IsRemoved(err)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsCorruption(err error) bool {
	var e *CorruptionError
	return errors.As(err, &e)
}

func IsReferencing(err error) bool {
	var e *ReferencingError
	return errors.As(err, &e)
}

func IsStorage(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}

func IsRemoved(err error) bool {
	var e *EntityRemovedError
	return errors.As(err, &e)
}
