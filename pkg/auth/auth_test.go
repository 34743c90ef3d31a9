// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirTokenAuth(t *testing.T) {
	auther, err := NewDirTokenAuth()
	require.NoError(t, err)
	assert.Equal(t, "dir_token", auther.Type())

	dir := t.TempDir()
	path, err := auther.WriteTokenFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".control_token"), path)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, auther.Authenticate(ctx, string(contents)))
	assert.Error(t, auther.Authenticate(ctx, "wrong-token"))
}

func TestNoAuth(t *testing.T) {
	auther := NewNoAuth()
	assert.Equal(t, "none", auther.Type())
	assert.NoError(t, auther.Authenticate(context.Background(), "anything"))
}

func TestPeerAuthenticatorInterface(t *testing.T) {
	var _ PeerAuthenticator = &DirTokenAuth{}
	var _ PeerAuthenticator = &NoAuth{}
}

func TestGenerateTokenIsUnpredictable(t *testing.T) {
	a, err := NewDirTokenAuth()
	require.NoError(t, err)
	b, err := NewDirTokenAuth()
	require.NoError(t, err)
	assert.NotEqual(t, a.token, b.token)
	assert.Len(t, a.token, 32)
}
