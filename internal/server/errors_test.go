package server

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/ledger"
	"DiceLedger/internal/query"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCodeFromError(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errMissingCaller, codes.Unauthenticated},
		{fmt.Errorf("place bet: %w", core.ErrInvalidStake), codes.InvalidArgument},
		{core.ErrUnauthorized, codes.PermissionDenied},
		{core.ErrNotFound, codes.NotFound},
		{query.ErrNotFound, codes.NotFound},
		{core.ErrAlreadyInitialized, codes.AlreadyExists},
		{fmt.Errorf("place bet: %w", core.ErrCorrelationIDInUse), codes.Aborted},
		{core.ErrInsufficientFunds, codes.FailedPrecondition},
		{ledger.ErrInsufficientAllowance, codes.FailedPrecondition},
		{core.ErrOracleUnavailable, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.ResourceExhausted, "slow down"), codes.ResourceExhausted},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, codeFromError(tt.err), tt.err.Error())
	}
}

func TestValidationErrorUsesJSONNames(t *testing.T) {
	err := validate.Struct(transferOwnershipRequest{NewOwner: "x"})
	fields := formatValidationError(err)
	assert.Contains(t, fields, "new_owner")
}
