// Package installerclient gives cmd/limba the same four privileged
// operations the daemon exposes — InstallLocal, InstallRemote, Remove,
// Update — without requiring the CLI itself to run as root: when the
// caller is not already root it dials internal/daemon's Unix socket,
// otherwise it drives an in-process installer.Installer directly. This
// mirrors the original D-Bus client's blocking event loop (§5: "exits on
// Finished, Error, or name-vanished"), mapped here onto the socket
// connection closing unexpectedly instead of a bus name vanishing.
package installerclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/limba-pkg/limba/internal/cache"
	"github.com/limba-pkg/limba/internal/daemon"
	"github.com/limba-pkg/limba/internal/graph"
	"github.com/limba-pkg/limba/internal/installer"
	"github.com/limba-pkg/limba/internal/keyring"
	"github.com/limba-pkg/limba/internal/manager"
	"github.com/limba-pkg/limba/internal/pkginfo"
)

// Client performs install/remove/update operations, dialing the daemon
// socket unless already running as root.
type Client struct {
	socketPath string

	// in-process fallback, used only when already root.
	softwareRoot string
	mgr          *manager.Manager
	cache        *cache.Cache
	keyring      *keyring.Keyring
	foundations  []pkginfo.PkgInfo

	// onStage/onProgress surface installer.WithStageCallback/
	// WithProgressCallback to the CLI's spinner (cmd/limba); they only
	// fire on the in-process (root) path, since the daemon's JSON-RPC
	// protocol is one request/one response with no streaming (§16).
	onStage    func(graph.Stage, string)
	onProgress func(pct int, pkgID string)
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithStageCallback reports install/remove stage transitions
// (downloading, extracting, installing, ...) for CLI spinner display.
func WithStageCallback(f func(graph.Stage, string)) Option {
	return func(cl *Client) { cl.onStage = f }
}

// WithProgressCallback reports download percentage for CLI spinner
// display.
func WithProgressCallback(f func(pct int, pkgID string)) Option {
	return func(cl *Client) { cl.onProgress = f }
}

// New returns a Client bound to softwareRoot. mgr, c, kr and foundations
// are only consulted when the calling process is already root;
// otherwise every call dials daemon.DefaultSocketPath.
func New(softwareRoot string, mgr *manager.Manager, c *cache.Cache, kr *keyring.Keyring, foundations []pkginfo.PkgInfo, opts ...Option) *Client {
	cl := &Client{
		socketPath:   daemon.DefaultSocketPath,
		softwareRoot: softwareRoot,
		mgr:          mgr,
		cache:        c,
		keyring:      kr,
		foundations:  foundations,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

func (cl *Client) isRoot() bool {
	return os.Geteuid() == 0
}

// InstallLocal installs the package archive at path, optionally supplying
// extra .lpk files as additional dependency sources (§4.2 source 2).
func (cl *Client) InstallLocal(ctx context.Context, path string, extra []string) error {
	if cl.isRoot() {
		ins := cl.newInstaller(extra)
		if err := ins.OpenFile(path); err != nil {
			return err
		}
		return ins.Install(ctx)
	}
	return cl.call(ctx, "InstallLocal", map[string]any{"path": path, "extra": extra})
}

// InstallRemote fetches and installs pkgID from the configured cache.
func (cl *Client) InstallRemote(ctx context.Context, pkgID string, extra []string) error {
	if cl.isRoot() {
		ins := cl.newInstaller(extra)
		if err := ins.OpenRemote(ctx, pkgID); err != nil {
			return err
		}
		return ins.Install(ctx)
	}
	return cl.call(ctx, "InstallRemote", map[string]any{"pkg_id": pkgID, "extra": extra})
}

// Remove uninstalls pkgID.
func (cl *Client) Remove(ctx context.Context, pkgID string) error {
	if cl.isRoot() {
		return cl.mgr.Remove(pkgID)
	}
	return cl.call(ctx, "Remove", map[string]string{"pkg_id": pkgID})
}

// Update refreshes the package cache from every configured source.
func (cl *Client) Update(ctx context.Context) error {
	if cl.isRoot() {
		if cl.cache == nil {
			return fmt.Errorf("installerclient: no cache configured")
		}
		return cl.cache.Update(ctx, "")
	}
	return cl.call(ctx, "Update", nil)
}

func (cl *Client) newInstaller(extra []string) *installer.Installer {
	opts := []installer.Option{installer.WithKeyring(cl.keyring)}
	if len(extra) > 0 {
		opts = append(opts, installer.WithExtraPackages(extra))
	}
	if cl.onStage != nil {
		opts = append(opts, installer.WithStageCallback(cl.onStage))
	}
	if cl.onProgress != nil {
		opts = append(opts, installer.WithProgressCallback(cl.onProgress))
	}
	return installer.New(cl.softwareRoot, cl.mgr, cl.cache, cl.foundations, opts...)
}

// call dials the daemon socket, sends one JSON-RPC request, and reads
// back exactly one response line. The connection closing before a
// response arrives (daemon crash, socket removed) surfaces as the same
// "connection closed" error the original D-Bus client treated as a
// name-vanished event.
func (cl *Client) call(ctx context.Context, method string, params any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", cl.socketPath)
	if err != nil {
		return fmt.Errorf("installerclient: connect to %s: %w", cl.socketPath, err)
	}
	defer conn.Close()

	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}

	req := daemon.Request{Method: method, Params: raw}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("installerclient: write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("installerclient: connection closed: %w", err)
		}
		return fmt.Errorf("installerclient: connection closed before a response arrived")
	}

	var resp daemon.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("installerclient: malformed response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}
