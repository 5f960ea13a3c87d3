package kerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChildErrorAs(t *testing.T) {
	base := errors.New("boom")
	err := NewChildError(ChildFailedToBecomeReady, base)

	var childErr *ChildError
	require.True(t, errors.As(err, &childErr))
	require.Equal(t, ChildFailedToBecomeReady, childErr.Kind)
	require.ErrorIs(t, err, base)
}

func TestChildExitedCarriesStatus(t *testing.T) {
	err := NewChildExitedError(137, errors.New("killed"))

	var childErr *ChildError
	if !errors.As(err, &childErr) {
		t.Fatalf("expected ChildError, got %T", err)
	}
	if childErr.ExitStatus != 137 {
		t.Errorf("exit status: got %d want 137", childErr.ExitStatus)
	}
}

func TestCoordinationErrorTransience(t *testing.T) {
	transient := NewCoordinationError("renew", true, errors.New("timeout"))
	permanent := NewCoordinationError("acquire", false, errors.New("acl denied"))

	var ce *CoordinationError
	require.True(t, errors.As(transient, &ce))
	require.True(t, ce.Transient)

	require.True(t, errors.As(permanent, &ce))
	require.False(t, ce.Transient)
}

func TestMaintenanceCancelNothingIsIdempotent(t *testing.T) {
	err := NewMaintenanceError(MaintenanceCancelNothing, "no maintenance scheduled")
	var me *MaintenanceError
	require.True(t, errors.As(err, &me))
	require.Equal(t, MaintenanceCancelNothing, me.Kind)
}
