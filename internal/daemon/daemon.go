// Package daemon implements limbad, the privileged helper design note
// "Privilege boundary" re-architects the original D-Bus system-bus
// service into: a net.UnixListener at /run/limba/limbad.sock speaking
// line-delimited JSON-RPC, authenticating each connection's calling uid
// via SO_PEERCRED before accepting any request. The unprivileged
// counterpart lives in internal/installerclient.
//
// Grounded on internal/registry/errors.go for the tagged-union error
// shape and on internal/sandbox/executor.go's primary-strategy pattern
// for "one goroutine per connection, one mutex around the mutation" —
// generalized here from container orchestration to install/remove/update
// serialization (§16).
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/limba-pkg/limba/internal/cache"
	"github.com/limba-pkg/limba/internal/installer"
	"github.com/limba-pkg/limba/internal/keyring"
	"github.com/limba-pkg/limba/internal/log"
	"github.com/limba-pkg/limba/internal/manager"
	"github.com/limba-pkg/limba/internal/pkginfo"
)

// DefaultSocketPath is where the daemon listens by default, §15.
const DefaultSocketPath = "/run/limba/limbad.sock"

// Request is one line-delimited JSON-RPC call.
type Request struct {
	Method string          `json:"method"` // InstallLocal, InstallRemote, Remove, Update
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the corresponding reply, exactly one per Request.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type installLocalParams struct {
	Path  string   `json:"path"`
	Extra []string `json:"extra,omitempty"`
}

type installRemoteParams struct {
	PkgID string   `json:"pkg_id"`
	Extra []string `json:"extra,omitempty"`
}

type removeParams struct {
	PkgID string `json:"pkg_id"`
}

// Daemon serializes every mutating call behind one mutex (§16: "only one
// transaction ever mutates disk at a time"), matching the single-writer
// constraint the client-facing event loop in §5 assumes.
type Daemon struct {
	softwareRoot string
	mgr          *manager.Manager
	cache        *cache.Cache
	keyring      *keyring.Keyring
	foundations  []pkginfo.PkgInfo
	logger       log.Logger

	mu sync.Mutex
}

// New constructs a Daemon ready to Serve.
func New(softwareRoot string, mgr *manager.Manager, c *cache.Cache, kr *keyring.Keyring, foundations []pkginfo.PkgInfo, logger log.Logger) *Daemon {
	if logger == nil {
		logger = log.NewNoop()
	}
	return &Daemon{softwareRoot: softwareRoot, mgr: mgr, cache: c, keyring: kr, foundations: foundations, logger: logger}
}

// Serve listens on DefaultSocketPath and handles connections until ctx is
// canceled. Each connection is authenticated via SO_PEERCRED before its
// first request is processed; only uid 0 and the software root's owning
// uid are accepted (matching the original D-Bus polkit policy's
// "administrator or owning user" rule, simplified since there is no
// polkit analogue over a raw Unix socket).
func (d *Daemon) Serve(ctx context.Context) error {
	if err := os.MkdirAll(socketDir(DefaultSocketPath), 0o755); err != nil {
		return fmt.Errorf("daemon: create socket directory: %w", err)
	}
	os.Remove(DefaultSocketPath)

	ln, err := net.Listen("unix", DefaultSocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", DefaultSocketPath, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("daemon: accept: %w", err)
			}
		}
		go d.handleConn(ctx, conn)
	}
}

func socketDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}

func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	peerUID, err := peerCredUID(uc)
	if err != nil {
		d.logger.Warn("daemon: reject connection, no peer credentials", "error", err)
		return
	}
	if !d.authorized(peerUID) {
		d.logger.Warn("daemon: reject connection, unauthorized uid", "uid", peerUID)
		writeResponse(conn, Response{OK: false, Error: "unauthorized"})
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			writeResponse(conn, Response{OK: false, Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}
		resp := d.dispatch(ctx, req)
		if err := writeResponse(conn, resp); err != nil {
			return
		}
	}
}

// authorized implements the "administrator or owning user" rule: uid 0
// always passes, any other caller must match the uid that owns
// d.softwareRoot.
func (d *Daemon) authorized(uid uint32) bool {
	if uid == 0 {
		return true
	}
	info, err := os.Stat(d.softwareRoot)
	if err != nil {
		return false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return st.Uid == uid
}

func peerCredUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var uid uint32
	var innerErr error
	err = raw.Control(func(fd uintptr) {
		ucred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			innerErr = err
			return
		}
		uid = ucred.Uid
	})
	if err != nil {
		return 0, err
	}
	return uid, innerErr
}

func writeResponse(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

// dispatch serializes every mutating call behind d.mu, §16.
func (d *Daemon) dispatch(ctx context.Context, req Request) Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Method {
	case "InstallLocal":
		var p installLocalParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(err)
		}
		return d.installLocal(ctx, p.Path, p.Extra)

	case "InstallRemote":
		var p installRemoteParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(err)
		}
		return d.installRemote(ctx, p.PkgID, p.Extra)

	case "Remove":
		var p removeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(err)
		}
		return d.remove(p.PkgID)

	case "Update":
		return d.update(ctx)

	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (d *Daemon) newInstaller(extra []string) *installer.Installer {
	opts := []installer.Option{installer.WithLogger(d.logger), installer.WithKeyring(d.keyring)}
	if len(extra) > 0 {
		opts = append(opts, installer.WithExtraPackages(extra))
	}
	return installer.New(d.softwareRoot, d.mgr, d.cache, d.foundations, opts...)
}

func (d *Daemon) installLocal(ctx context.Context, path string, extra []string) Response {
	ins := d.newInstaller(extra)
	if err := ins.OpenFile(path); err != nil {
		return errResponse(err)
	}
	if err := ins.Install(ctx); err != nil {
		return errResponse(err)
	}
	return Response{OK: true}
}

func (d *Daemon) installRemote(ctx context.Context, pkgID string, extra []string) Response {
	ins := d.newInstaller(extra)
	if err := ins.OpenRemote(ctx, pkgID); err != nil {
		return errResponse(err)
	}
	if err := ins.Install(ctx); err != nil {
		return errResponse(err)
	}
	return Response{OK: true}
}

func (d *Daemon) remove(pkgID string) Response {
	if err := d.mgr.Remove(pkgID); err != nil {
		return errResponse(err)
	}
	return Response{OK: true}
}

func (d *Daemon) update(ctx context.Context) Response {
	if d.cache == nil {
		return Response{OK: false, Error: "daemon: no cache configured"}
	}
	if err := d.cache.Update(ctx, ""); err != nil {
		return errResponse(err)
	}
	return Response{OK: true}
}

func errResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}
