package installer

import "fmt"

// ErrorKind classifies installer errors for dispatch and for
// suggestion/formatting logic in errmsg.
type ErrorKind int

const (
	// ErrFailed is a generic installation failure (extraction, signature
	// verification, filesystem write, ...).
	ErrFailed ErrorKind = iota

	// ErrDependencyNotFound means none of the resolution sources in
	// §4.2 could satisfy a DependencyReq.
	ErrDependencyNotFound

	// ErrDependencyBroken means a dependency was found but the
	// already-installed copy fails an integrity or signature check.
	ErrDependencyBroken

	// ErrInternal covers programmer errors: a PostOrder node missing
	// its archive, a stage transition out of sequence, and similar
	// invariant violations that should never happen in correct code.
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrDependencyNotFound:
		return "dependency not found"
	case ErrDependencyBroken:
		return "dependency broken"
	case ErrInternal:
		return "internal error"
	default:
		return "installation failed"
	}
}

// Error is the structured error type returned by Installer.Install and
// its helpers. Dep is populated when Kind is ErrDependencyNotFound or
// ErrDependencyBroken.
type Error struct {
	Kind ErrorKind
	Dep  string
	Err  error
}

func (e *Error) Error() string {
	if e.Dep != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Dep, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Dep)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Suggestion returns an actionable hint for the user, or empty if none
// applies.
func (e *Error) Suggestion() string {
	switch e.Kind {
	case ErrDependencyNotFound:
		return fmt.Sprintf("Run 'limba update' to refresh repository metadata, or pass the package for %q with --extra", e.Dep)
	case ErrDependencyBroken:
		return fmt.Sprintf("Remove and reinstall %q, its signature or checksum no longer matches", e.Dep)
	case ErrFailed:
		return "Check that the archive is a valid, signed limba bundle"
	default:
		return ""
	}
}
