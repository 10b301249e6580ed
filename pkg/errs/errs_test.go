package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrap(KindDiverged, "no common ancestor", cause)

	require.True(t, errors.Is(err, KindDiverged))
	require.False(t, errors.Is(err, KindFatal))
	require.ErrorIs(t, err, cause)
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(KindFraming, "truncated header", errors.New("EOF"))
	require.Contains(t, err.Error(), "framing")
	require.Contains(t, err.Error(), "truncated header")
	require.Contains(t, err.Error(), "EOF")
}

func TestNewHasNoCause(t *testing.T) {
	err := New(KindTimeout, "no response")
	require.Nil(t, err.Unwrap())
	require.Equal(t, "timeout: no response", err.Error())
}
