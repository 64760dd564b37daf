package installerclient

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limba-pkg/limba/internal/daemon"
	"github.com/limba-pkg/limba/internal/graph"
)

func serveOneResponse(t *testing.T, sockPath string, resp daemon.Response) {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		scanner.Scan()
		data, _ := json.Marshal(resp)
		data = append(data, '\n')
		conn.Write(data)
	}()
}

func TestCall_SuccessfulResponseReturnsNil(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "d.sock")
	serveOneResponse(t, sockPath, daemon.Response{OK: true})

	cl := &Client{socketPath: sockPath}
	err := cl.call(context.Background(), "Update", nil)
	assert.NoError(t, err)
}

func TestCall_ErrorResponsePropagatesMessage(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "d.sock")
	serveOneResponse(t, sockPath, daemon.Response{OK: false, Error: "boom"})

	cl := &Client{socketPath: sockPath}
	err := cl.call(context.Background(), "Remove", map[string]string{"pkg_id": "hello/1.0"})
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}

func TestCall_ConnectionClosedBeforeResponseErrors(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "d.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		conn.Close()
	}()

	cl := &Client{socketPath: sockPath}
	err = cl.call(context.Background(), "Update", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
}

func TestCall_DialFailureWrapsError(t *testing.T) {
	cl := &Client{socketPath: filepath.Join(t.TempDir(), "nonexistent.sock")}
	err := cl.call(context.Background(), "Update", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to")
}

func TestUpdate_NonRootDialsSocketWithoutCache(t *testing.T) {
	cl := &Client{socketPath: filepath.Join(t.TempDir(), "nonexistent.sock")}
	if cl.isRoot() {
		t.Skip("test process runs as root; Update takes the in-process branch")
	}
	err := cl.Update(context.Background())
	assert.Error(t, err)
}

func TestNew_AppliesOptions(t *testing.T) {
	var stages []graph.Stage
	var pcts []int

	cl := New("/software", nil, nil, nil, nil,
		WithStageCallback(func(s graph.Stage, pkgID string) { stages = append(stages, s) }),
		WithProgressCallback(func(pct int, pkgID string) { pcts = append(pcts, pct) }),
	)

	require.NotNil(t, cl.onStage)
	require.NotNil(t, cl.onProgress)

	cl.onStage(graph.StageExtracting, "hello/1.0")
	cl.onProgress(75, "hello/1.0")

	assert.Equal(t, []graph.Stage{graph.StageExtracting}, stages)
	assert.Equal(t, []int{75}, pcts)
}

func TestNewInstaller_WiresCallbacksOnlyWhenSet(t *testing.T) {
	cl := New("/software", nil, nil, nil, nil)
	ins := cl.newInstaller(nil)
	assert.NotNil(t, ins)
}

func TestUpdate_RootWithoutCacheErrors(t *testing.T) {
	cl := &Client{softwareRoot: t.TempDir()}
	if !cl.isRoot() {
		t.Skip("test process is not root; Update dials the daemon socket instead")
	}
	err := cl.Update(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cache configured")
}
