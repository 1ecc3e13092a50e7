package server

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	errMissingCaller = errors.New("missing or invalid X-Caller-Address header")
	errBadRequest    = errors.New("bad request")
	errNoHistory     = errors.New("history store not configured")
)

// codeFromError maps engine and transport errors onto gRPC codes.
func codeFromError(err error) codes.Code {
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	switch {
	case errors.Is(err, errMissingCaller):
		return codes.Unauthenticated
	case errors.Is(err, errBadRequest),
		errors.Is(err, core.ErrInvalidStake),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidAddress),
		errors.Is(err, core.ErrInvalidOracleKeyIndex),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSelfTransfer):
		return codes.InvalidArgument
	case errors.Is(err, core.ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, core.ErrNotFound), errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, core.ErrAlreadyInitialized):
		return codes.AlreadyExists
	case errors.Is(err, core.ErrCorrelationIDInUse):
		return codes.Aborted
	case errors.Is(err, core.ErrInsufficientFunds),
		errors.Is(err, core.ErrBetAlreadyPending),
		errors.Is(err, core.ErrNotInitialized),
		errors.Is(err, core.ErrFaucetDisabled),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance):
		return codes.FailedPrecondition
	case errors.Is(err, core.ErrOracleUnavailable), errors.Is(err, errNoHistory):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// writeError renders err as JSON with the HTTP status of its gRPC code.
func writeError(w http.ResponseWriter, err error, fields map[string]string) int {
	code := codeFromError(err)
	msg := err.Error()
	if code == codes.Internal {
		msg = "internal error"
	}
	httpStatus := runtime.HTTPStatusFromCode(code)
	writeJSON(w, httpStatus, errorBody{Code: code.String(), Message: msg, Fields: fields})
	return httpStatus
}

func writeJSON(w http.ResponseWriter, httpStatus int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(v)
}
