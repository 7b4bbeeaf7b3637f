package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Bus.Publish", ErrUnknownEventType, `"persona.renamed"`)
	want := `Bus.Publish: "persona.renamed": unknown event type`
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Bus.Publish", ErrBusClosed, "")
	want := "Bus.Publish: event bus is shut down"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("SchemaRegistry.Validate", ErrSchemaValidation, "missing persona.id")
	assert.ErrorIs(t, err, ErrSchemaValidation)
	assert.True(t, IsFatalInputError(err))
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	assert.ErrorIs(t, WrapOp("op", ErrStore), ErrStore)
}

func TestAccessErrorUnwrapsToAccessDenied(t *testing.T) {
	err := error(&AccessError{PluginID: "p1", EventType: EventPersonaUpdated, Reason: ReasonMissingPermission, Permission: PermWrite})
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.Contains(t, err.Error(), `missing permission "write"`)
	assert.False(t, IsFatalInputError(err))

	var ae *AccessError
	require.True(t, errors.As(fmt.Errorf("subscribe: %w", err), &ae))
	assert.Equal(t, ReasonMissingPermission, ae.Reason)
}

func TestViolationReasonSeverity(t *testing.T) {
	tests := []struct {
		reason ViolationReason
		want   Severity
	}{
		{ReasonInvalidToken, SeverityMedium},
		{ReasonTokenMismatch, SeverityHigh},
		{ReasonExpired, SeverityLow},
		{ReasonMissingPermission, SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.reason.Severity())
		})
	}
}

func TestAccessGrantExpired(t *testing.T) {
	now := time.Now()
	g := AccessGrant{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, g.Expired(now))
	assert.True(t, g.Expired(now.Add(time.Minute)), "expiry is inclusive of ExpiresAt")
}

func TestEventTypeNamespace(t *testing.T) {
	assert.Equal(t, "persona", EventPersonaCreated.Namespace())
	assert.Equal(t, "plugin", EventPluginViolation.Namespace())
	assert.Equal(t, "bare", EventType("bare").Namespace())
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeUnknownEventType, ErrorCodeOf(ErrUnknownEventType))
	assert.Equal(t, CodeAccessDenied, ErrorCodeOf(ErrAccessDenied))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Bus.Subscribe", ErrAccessDenied, "plugin p1")
	assert.Equal(t, CodeAccessDenied, ErrorCodeOf(err))
	assert.Equal(t, CodeAccessDenied, err.Code())
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrSchemaValidation)
	assert.Equal(t, CodeSchemaValidation, ErrorCodeOf(err))
}

func TestErrorCodeOf_SpecificBeforeCategory(t *testing.T) {
	err := fmt.Errorf("get: %w", ErrPersonaNotFound)
	assert.Equal(t, CodePersonaNotFound, ErrorCodeOf(err))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(ErrGatewayAuthFailed))
}

func TestErrorCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("random")))
}

func TestPriorityValid(t *testing.T) {
	assert.True(t, Priority("").Valid())
	assert.True(t, PriorityCritical.Valid())
	assert.False(t, Priority("urgent").Valid())
}

func TestStringsToPermissions(t *testing.T) {
	got := StringsToPermissions([]string{"read", "bogus", "memory.write"})
	assert.Equal(t, []Permission{PermRead, PermMemoryWrite}, got)
}
