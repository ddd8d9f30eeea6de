package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignURL(t *testing.T) {
	a := newTestAuthorizer([]byte{1, 2, 3, 4, 5})
	ctx := context.Background()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"appends token", "testimage.png?width=50", "testimage.png?width=50&hmac=" + goldenToken},
		{"before fragment", "testimage.png?width=50#top", "testimage.png?width=50&hmac=" + goldenToken + "#top"},
		{"no commands", "testimage.png", "testimage.png"},
		{"only unknown commands", "testimage.png?junk=1", "testimage.png?junk=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.SignURL(ctx, tt.in, HandlingSanitize)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignURLDisabled(t *testing.T) {
	a := newTestAuthorizer(nil)
	got, err := a.SignURL(context.Background(), "/a.png?width=1", HandlingSanitize)
	require.NoError(t, err)
	assert.Equal(t, "/a.png?width=1", got)
}
