package client

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/framing"
)

// fakeDaemon speaks just enough of the §6 wire protocol to exercise
// the client without pulling in the full controlplane package.
func fakeDaemon(t *testing.T, handle func(cmd string) response) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "fake.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var req request
				if err := framing.ReadJSON(conn, &req); err != nil {
					return
				}
				resp := handle(req.Command)
				resp.ID = req.ID
				_ = framing.WriteJSON(conn, resp)
			}()
		}
	}()
	return sock
}

func TestCallSucceeds(t *testing.T) {
	sock := fakeDaemon(t, func(cmd string) response {
		return response{OK: true, Data: []byte(`{"pong":true}`)}
	})
	c := New(sock)

	var out map[string]any
	require.NoError(t, c.Call("ping", nil, &out))
	assert.Equal(t, true, out["pong"])
}

func TestCallSurfacesDaemonError(t *testing.T) {
	sock := fakeDaemon(t, func(cmd string) response {
		return response{OK: false, Error: apperrors.Newf(apperrors.NotFound, "no such project")}
	})
	c := New(sock)

	err := c.Call("get-project-info", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.NotFound, apperrors.KindOf(err))
}

func TestScaleSendsDelta(t *testing.T) {
	sock := fakeDaemon(t, func(cmd string) response {
		assert.Equal(t, "scale-workers", cmd)
		return response{OK: true}
	})
	c := New(sock)
	require.NoError(t, c.Scale(3))
}

func TestDialFailureReturnsIOKind(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "does-not-exist.sock"))
	err := c.Ping()
	require.Error(t, err)
	assert.Equal(t, apperrors.IO, apperrors.KindOf(err))
}
