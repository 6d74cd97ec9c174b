package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "codexplane.io/controlplane/internal/pkg/errors"
)

func TestRejectUnknownReasonCode(t *testing.T) {
	s := &Service{}

	_, err := s.Reject(context.Background(), "run-1", "reviewer-1", "NOT_A_REASON", "")
	require.Error(t, err)

	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeInvalidRequest, appErr.Code)
	require.Equal(t, "NOT_A_REASON", appErr.Params["failure_reason_code"])
}

func TestOptionalText(t *testing.T) {
	require.False(t, optionalText("").Valid)

	v := optionalText("reviewer-1")
	require.True(t, v.Valid)
	require.Equal(t, "reviewer-1", v.String)
}
