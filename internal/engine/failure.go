package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type FailureKind string

const (
	FailureCatalogNotAttached FailureKind = "catalog_not_attached"
	FailureFileAccess         FailureKind = "file_access"
	FailureNetwork            FailureKind = "network"
	FailureOversizedResult    FailureKind = "oversized_result"
)

// ExecFailure wraps a connector execution error whose low-level signature is
// recognized, adding a category and remediation text. Unrecognized errors
// propagate unchanged.
type ExecFailure struct {
	Kind   FailureKind
	Remedy string
	Err    error
}

func (e *ExecFailure) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Kind, e.Err, e.Remedy)
}

func (e *ExecFailure) Unwrap() error { return e.Err }

// signature fragments observed in driver error text; matching is purely for
// messaging, the original error stays reachable via Unwrap.
var failureSignatures = []struct {
	fragment string
	kind     FailureKind
	remedy   string
}{
	{"database with name", FailureCatalogNotAttached, "attach the database before querying it"},
	{"catalog error", FailureCatalogNotAttached, "check that the referenced catalog or table exists"},
	{"no such file", FailureFileAccess, "verify the file path is reachable from the connector"},
	{"permission denied", FailureFileAccess, "check filesystem permissions for the connector"},
	{"read-only file system", FailureFileAccess, "point the connector at a writable location"},
	{"connection refused", FailureNetwork, "check that the backend is running and reachable"},
	{"could not translate host name", FailureNetwork, "check the backend host configuration"},
	{"i/o timeout", FailureNetwork, "check network connectivity to the backend"},
	{"out of memory", FailureOversizedResult, "add a LIMIT or stream the result instead of materializing it"},
	{"result set too large", FailureOversizedResult, "add a LIMIT or reduce the requested page size"},
}

// WrapExecFailure re-wraps err as an ExecFailure when its text carries a
// recognized low-level signature; otherwise err is returned as-is.
// Cancellation is never wrapped.
func WrapExecFailure(err error) error {
	if err == nil || IsCancellation(err) {
		return err
	}
	var already *ExecFailure
	if errors.As(err, &already) {
		return err
	}
	lowered := strings.ToLower(err.Error())
	for _, sig := range failureSignatures {
		if strings.Contains(lowered, sig.fragment) {
			return &ExecFailure{Kind: sig.kind, Remedy: sig.remedy, Err: err}
		}
	}
	return err
}

func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
