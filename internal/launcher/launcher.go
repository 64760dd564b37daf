// Package launcher implements the runapp state machine: given a
// "<pkg-id>:<relative-executable>" invocation, it composes the package's
// runtime overlay, drops the privilege it needed to set the composition
// up, places the process in its own cgroup scope, and execs the target
// binary.
//
// Grounded line for line on original_source/tools/runapp/runapp.c's state
// table, reimplemented with golang.org/x/sys/unix instead of cgo/glib:
// unix.Unshare(CLONE_NEWNS), unix.Mount, the raw unix.CapUserHeader/
// CapUserData structs for capget/capset, unix.Prctl(PR_SET_KEEPCAPS),
// unix.Setuid, and syscall.Exec for the final execv.
package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/limba-pkg/limba/internal/cgroupscope"
	"github.com/limba-pkg/limba/internal/configblocks"
	"github.com/limba-pkg/limba/internal/log"
	"github.com/limba-pkg/limba/internal/pkginfo"
	"github.com/limba-pkg/limba/internal/runtime"
)

// State is a step in the runapp state machine, in the fixed order the
// launcher always walks them.
type State int

const (
	StateStart State = iota
	StateCapsAcquired
	StateNSCreated
	StateOverlayMounted
	StateCapsDropped
	StateScoped
	StateEnvAdjusted
	StateExec
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateCapsAcquired:
		return "caps-acquired"
	case StateNSCreated:
		return "ns-created"
	case StateOverlayMounted:
		return "overlay-mounted"
	case StateCapsDropped:
		return "caps-dropped"
	case StateScoped:
		return "scoped"
	case StateEnvAdjusted:
		return "env-adjusted"
	case StateExec:
		return "exec"
	default:
		return "unknown"
	}
}

// Exit codes, §6.
const (
	ExitOK               = 0
	ExitUsage            = 1
	ExitMountFailed       = 2
	ExitPrivilegeDrop     = 3
	ExitExecFailed        = 4
	ExitRuntimeNotFound   = 5
	ExitScopeCreateFailed = 6
)

// LauncherError carries the exit code a failed state transition implies,
// so cmd/limba-runapp can translate it without re-deriving the mapping.
type LauncherError struct {
	State    State
	ExitCode int
	Err      error
}

func (e *LauncherError) Error() string {
	return fmt.Sprintf("launcher: %s: %v", e.State, e.Err)
}

func (e *LauncherError) Unwrap() error { return e.Err }

// Launcher drives the runapp state machine for a single invocation.
type Launcher struct {
	SoftwareRoot string
	Prefix       string // fixed absolute mount prefix, e.g. "/app"
	Logger       log.Logger

	state  State
	mounts []string // reverse-unmount list on error, §4.5 closing paragraph
}

// New returns a Launcher bound to softwareRoot (where packages and
// runtimes are installed) and prefix (the fixed mount point every
// launched application sees as its root).
func New(softwareRoot, prefix string) *Launcher {
	return &Launcher{SoftwareRoot: softwareRoot, Prefix: prefix, Logger: log.NewNoop()}
}

// Run parses invocation as "<pkg-id>:<relative-executable>", walks the
// state table, and execs the resolved binary. It returns only on error;
// success replaces the current process image.
func (l *Launcher) Run(ctx context.Context, invocation string, args []string) error {
	pkgID, relExe, err := splitInvocation(invocation)
	if err != nil {
		return &LauncherError{State: StateStart, ExitCode: ExitUsage, Err: err}
	}

	pki, err := readControl(l.SoftwareRoot, pkgID)
	if err != nil {
		return &LauncherError{State: StateStart, ExitCode: ExitRuntimeNotFound, Err: err}
	}

	if err := l.acquireCaps(); err != nil {
		return &LauncherError{State: StateCapsAcquired, ExitCode: ExitPrivilegeDrop, Err: err}
	}
	l.state = StateCapsAcquired

	if err := l.createNamespace(); err != nil {
		l.unwind()
		return &LauncherError{State: StateNSCreated, ExitCode: ExitMountFailed, Err: err}
	}
	l.state = StateNSCreated

	rt, err := l.loadRuntimeFor(pki)
	if err != nil {
		l.unwind()
		return &LauncherError{State: StateNSCreated, ExitCode: ExitRuntimeNotFound, Err: err}
	}

	if err := l.mountOverlay(pki, rt); err != nil {
		l.unwind()
		return &LauncherError{State: StateOverlayMounted, ExitCode: ExitMountFailed, Err: err}
	}
	l.state = StateOverlayMounted

	if err := l.dropCaps(); err != nil {
		l.unwind()
		return &LauncherError{State: StateCapsDropped, ExitCode: ExitPrivilegeDrop, Err: err}
	}
	l.state = StateCapsDropped

	scopeName := "limba-app-" + sanitizeScopeName(pkgID)
	if err := cgroupscope.Join(ctx, scopeName); err != nil {
		l.unwind()
		return &LauncherError{State: StateScoped, ExitCode: ExitScopeCreateFailed, Err: err}
	}
	l.state = StateScoped

	env := l.adjustEnv(os.Environ())
	l.state = StateEnvAdjusted

	target := filepath.Join(l.Prefix, relExe)
	argv := append([]string{target}, args...)

	l.state = StateExec
	if err := syscall.Exec(target, argv, env); err != nil {
		l.unwind()
		return &LauncherError{State: StateExec, ExitCode: ExitExecFailed, Err: err}
	}
	return nil // unreachable: Exec only returns on error
}

func splitInvocation(invocation string) (pkgID, relExe string, err error) {
	idx := strings.LastIndex(invocation, ":")
	if idx <= 0 || idx == len(invocation)-1 {
		return "", "", fmt.Errorf("malformed invocation %q, expected <pkg-id>:<relative-executable>", invocation)
	}
	return invocation[:idx], invocation[idx+1:], nil
}

func sanitizeScopeName(pkgID string) string {
	var b strings.Builder
	for _, r := range pkgID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func readControl(softwareRoot, pkgID string) (pkginfo.PkgInfo, error) {
	parts := strings.SplitN(pkgID, "/", 2)
	if len(parts) != 2 {
		return pkginfo.PkgInfo{}, fmt.Errorf("invalid package id %q", pkgID)
	}
	path := filepath.Join(softwareRoot, parts[0], parts[1], "control")
	data, err := os.ReadFile(path)
	if err != nil {
		return pkginfo.PkgInfo{}, fmt.Errorf("read control for %s: %w", pkgID, err)
	}
	reader, err := configblocks.Parse(data)
	if err != nil {
		return pkginfo.PkgInfo{}, fmt.Errorf("parse control for %s: %w", pkgID, err)
	}
	block, ok := reader.Next()
	if !ok {
		return pkginfo.PkgInfo{}, fmt.Errorf("launcher: empty control block at %s", path)
	}
	return pkginfo.Decode(block)
}

func (l *Launcher) loadRuntimeFor(pki pkginfo.PkgInfo) (*runtime.Runtime, error) {
	if pki.RuntimeUUID == "" {
		return nil, fmt.Errorf("package %s has no associated runtime", pki.ID)
	}
	return runtime.Load(l.SoftwareRoot, pki.RuntimeUUID)
}

// acquireCaps raises CAP_SYS_ADMIN into the effective set via capset,
// matching runapp.c's capget/capset pair exactly: it never touches
// other capability bits, so a launcher invoked with exactly
// CAP_SYS_ADMIN in its permitted set (the setuid-root/file-capability
// deployment runapp.c assumes) can mount without being fully root.
func (l *Launcher) acquireCaps() error {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3, Pid: 0}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capget: %w", err)
	}

	const capSysAdmin = 21 // CAP_SYS_ADMIN
	data[0].Effective |= 1 << uint(capSysAdmin%32)

	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capset (raise CAP_SYS_ADMIN): %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_KEEPCAPS): %w", err)
	}
	return nil
}

// dropCaps clears CAP_SYS_ADMIN from the effective and permitted sets
// once the overlay is mounted, then drops to the invoking user's real
// uid, matching runapp.c's post-mount setuid call.
func (l *Launcher) dropCaps() error {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3, Pid: 0}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capget: %w", err)
	}

	const capSysAdmin = 21
	mask := ^(uint32(1) << uint(capSysAdmin%32))
	data[0].Effective &= mask
	data[0].Permitted &= mask

	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capset (drop CAP_SYS_ADMIN): %w", err)
	}

	uid := unix.Getuid()
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid(%d): %w", uid, err)
	}
	return nil
}

// createNamespace unshares a private mount namespace so overlay mounts
// set up for this invocation are invisible to and unaffected by any
// concurrently launched application.
func (l *Launcher) createNamespace() error {
	return unix.Unshare(unix.CLONE_NEWNS)
}

// mountOverlay composes the two-layer overlay described by design note
// "Overlay composition": the first overlay's lowerdirs are every
// runtime member's data/ directory in resolution order with the
// launch prefix itself appended last (so a file present in both an
// app's own payload and a dependency's data/ resolves to the app's
// copy, and a file present in no member falls through to whatever
// already occupies the prefix); the payload of the package actually
// being launched is then layered on top as upperdir/workdir, so writes
// the application makes during its lifetime land in its own package
// directory rather than corrupting a shared dependency.
func (l *Launcher) mountOverlay(pki pkginfo.PkgInfo, rt *runtime.Runtime) error {
	if err := l.ensurePrefixIsMountPoint(); err != nil {
		return err
	}

	var lowerdirs []string
	for _, member := range rt.Members {
		lowerdirs = append(lowerdirs, filepath.Join(l.SoftwareRoot, member, "data"))
	}
	lowerdirs = append(lowerdirs, l.Prefix)

	upperDir := filepath.Join(l.SoftwareRoot, pki.ID, "data")
	workDir := filepath.Join(l.SoftwareRoot, pki.ID, ".overlay-work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create overlay workdir: %w", err)
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(lowerdirs, ":"), upperDir, workDir)
	if err := unix.Mount("overlay", l.Prefix, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mount overlay at %s: %w", l.Prefix, err)
	}
	l.mounts = append(l.mounts, l.Prefix)
	return nil
}

// ensurePrefixIsMountPoint bind-mounts the prefix onto itself and
// marks it private when it is not already a mount point, so the
// subsequent overlay mount and its later unmount are confined to this
// process's private namespace (§4.5's bind-then-private fallback).
func (l *Launcher) ensurePrefixIsMountPoint() error {
	if err := unix.Mount(l.Prefix, l.Prefix, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind-mount prefix %s onto itself: %w", l.Prefix, err)
	}
	l.mounts = append(l.mounts, l.Prefix)
	if err := unix.Mount("", l.Prefix, "", unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("mark prefix %s private: %w", l.Prefix, err)
	}
	return nil
}

// adjustEnv prepends the launch prefix's bin/lib directories to
// PATH/LD_LIBRARY_PATH rather than replacing them, so the launched
// process still inherits whatever the invoking shell already set (§6).
func (l *Launcher) adjustEnv(env []string) []string {
	prependPath := filepath.Join(l.Prefix, "bin")
	prependLib := filepath.Join(l.Prefix, "lib")

	out := make([]string, 0, len(env)+2)
	var sawPath, sawLib bool
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			out = append(out, "PATH="+prependPath+":"+strings.TrimPrefix(kv, "PATH="))
			sawPath = true
		case strings.HasPrefix(kv, "LD_LIBRARY_PATH="):
			out = append(out, "LD_LIBRARY_PATH="+prependLib+":"+strings.TrimPrefix(kv, "LD_LIBRARY_PATH="))
			sawLib = true
		default:
			out = append(out, kv)
		}
	}
	if !sawPath {
		out = append(out, "PATH="+prependPath)
	}
	if !sawLib {
		out = append(out, "LD_LIBRARY_PATH="+prependLib)
	}
	return out
}

// unwind tears down every mount this invocation set up, in reverse
// order, matching §4.5's closing paragraph: "a launcher that fails
// partway through must leave the host no more mounted than it found
// it."
func (l *Launcher) unwind() {
	for i := len(l.mounts) - 1; i >= 0; i-- {
		if err := unix.Unmount(l.mounts[i], unix.MNT_DETACH); err != nil {
			l.Logger.Warn("unwind: unmount failed", "path", l.mounts[i], "error", err)
		}
	}
	l.mounts = nil
}
