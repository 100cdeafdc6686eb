package errors_test

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	arierrors "github.com/almuete/ari/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := arierrors.New("credentials", "Fetch", cause)

	assert.Equal(t, "credentials", err.Component)
	assert.Equal(t, "Fetch", err.Operation)
	assert.Equal(t, 0, err.StatusCode)
	assert.Equal(t, cause, err.Cause)
}

func TestError_Formats(t *testing.T) {
	tests := []struct {
		name string
		err  *arierrors.ContextualError
		want string
	}{
		{
			name: "cause only",
			err:  arierrors.New("tools", "Invoke", fmt.Errorf("timeout")),
			want: "[tools] Invoke: timeout",
		},
		{
			name: "no cause",
			err:  arierrors.New("session", "Connect", nil),
			want: "[session] Connect",
		},
		{
			name: "with status",
			err:  arierrors.New("credentials", "Fetch", fmt.Errorf("unauthorized")).WithStatusCode(401),
			want: "[credentials] Fetch (status 401): unauthorized",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestUnwrapAndIs(t *testing.T) {
	err := arierrors.New("session", "Receive", io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("outer: %w", err)

	assert.True(t, stderrors.Is(wrapped, io.ErrUnexpectedEOF))

	var ce *arierrors.ContextualError
	require.True(t, stderrors.As(wrapped, &ce))
	assert.Equal(t, "Receive", ce.Operation)
}

func TestStatusCode(t *testing.T) {
	inner := arierrors.New("tools", "post", fmt.Errorf("bad gateway")).WithStatusCode(502)
	outer := arierrors.New("tools", "Invoke", inner)

	assert.Equal(t, 502, arierrors.StatusCode(outer))
	assert.Equal(t, 502, arierrors.StatusCode(fmt.Errorf("wrap: %w", outer)))
	assert.Equal(t, 0, arierrors.StatusCode(fmt.Errorf("plain")))
	assert.Equal(t, 0, arierrors.StatusCode(nil))
}
