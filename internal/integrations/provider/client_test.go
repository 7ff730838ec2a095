package provider

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsTemporary(t *testing.T) {
	require.True(t, IsTemporary(&StatusError{StatusCode: 429}))
	require.True(t, IsTemporary(errors.Wrap(&StatusError{StatusCode: 503}, "fetch")))
	require.False(t, IsTemporary(&StatusError{StatusCode: 401}))
	require.True(t, IsTemporary(errors.New("connection reset")))
	require.False(t, IsTemporary(nil))
	require.Equal(t, "tracking provider http 404", (&StatusError{StatusCode: 404}).Error())
}
