package daemon

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limba-pkg/limba/internal/manager"
)

func TestSocketDir_StripsLastComponent(t *testing.T) {
	assert.Equal(t, "/run/limba", socketDir("/run/limba/limbad.sock"))
	assert.Equal(t, ".", socketDir("limbad.sock"))
}

func TestAuthorized_RootAlwaysPasses(t *testing.T) {
	d := &Daemon{softwareRoot: t.TempDir()}
	assert.True(t, d.authorized(0))
}

func TestAuthorized_MatchesOwningUID(t *testing.T) {
	root := t.TempDir()
	d := &Daemon{softwareRoot: root}
	assert.True(t, d.authorized(uint32(os.Getuid())))
}

func TestAuthorized_RejectsOtherUID(t *testing.T) {
	root := t.TempDir()
	d := &Daemon{softwareRoot: root}
	assert.False(t, d.authorized(uint32(os.Getuid())+12345))
}

func TestAuthorized_MissingRootRejects(t *testing.T) {
	d := &Daemon{softwareRoot: filepath.Join(t.TempDir(), "does-not-exist")}
	assert.False(t, d.authorized(uint32(os.Getuid())))
}

func TestDispatch_UnknownMethodErrors(t *testing.T) {
	d := &Daemon{}
	resp := d.dispatch(nil, Request{Method: "Bogus"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown method")
}

func TestDispatch_MalformedParamsErrors(t *testing.T) {
	d := &Daemon{}
	resp := d.dispatch(nil, Request{Method: "InstallLocal", Params: json.RawMessage(`not-json`)})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}

func TestUpdate_NoCacheConfiguredErrors(t *testing.T) {
	d := &Daemon{}
	resp := d.update(nil)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "no cache configured")
}

func TestRemove_DelegatesToManagerAndReportsNotFound(t *testing.T) {
	root := t.TempDir()
	d := &Daemon{mgr: manager.New(root)}
	resp := d.remove("nonesuch/1.0")
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}

func TestPeerCredUID_ReturnsConnectingProcessUID(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	serverConnCh := make(chan *net.UnixConn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverConnCh <- nil
			return
		}
		serverConnCh <- conn.(*net.UnixConn)
	}()

	client, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer client.Close()

	serverConn := <-serverConnCh
	require.NotNil(t, serverConn)
	defer serverConn.Close()

	uid, err := peerCredUID(serverConn)
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Getuid()), uid)
}

func TestWriteResponse_EncodesNewlineDelimitedJSON(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test2.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	readCh := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			readCh <- nil
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		readCh <- buf[:n]
	}()

	client, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, writeResponse(client, Response{OK: true}))

	data := <-readCh
	require.NotNil(t, data)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	var resp Response
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &resp))
	assert.True(t, resp.OK)
}
