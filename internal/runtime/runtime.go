// Package runtime manages named sets of installed-package ids ("runtimes")
// that are overlay-mounted together to materialize an application's
// dependency view at launch. A runtime is immutable after creation: it is
// deleted only when the last application referencing it is removed
// (spec.md §3, §4.6).
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/limba-pkg/limba/internal/configblocks"
)

const (
	controlFileName = "control"
	fieldRequires   = "Requires"
)

// Runtime is a uuid and an unordered set of installed-package ids
// ("<name>/<version>"), persisted as <software_root>/runtimes/<uuid>/control.
type Runtime struct {
	UUID    string
	Members []string // insertion order of resolution, design note §9
}

// Create allocates a fresh uuid for members and returns the in-memory
// Runtime. The caller must call Save to persist it.
func Create(members []string) (*Runtime, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("runtime: generate uuid: %w", err)
	}
	return &Runtime{UUID: id.String(), Members: append([]string(nil), members...)}, nil
}

// Load reads the control block for the runtime named uuid under
// softwareRoot/runtimes.
func Load(softwareRoot, uuid string) (*Runtime, error) {
	path := filepath.Join(softwareRoot, "runtimes", uuid, controlFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtime: read control: %w", err)
	}

	r, err := parseControl(data)
	if err != nil {
		return nil, fmt.Errorf("runtime: parse control for %s: %w", uuid, err)
	}
	r.UUID = uuid
	return r, nil
}

func parseControl(data []byte) (*Runtime, error) {
	reader, err := configblocks.Parse(data)
	if err != nil {
		return nil, err
	}
	block, ok := reader.Next()
	if !ok {
		return &Runtime{}, nil
	}

	raw := block.Value(fieldRequires)
	var members []string
	for _, m := range splitAndTrim(raw) {
		if m != "" {
			members = append(members, m)
		}
	}
	return &Runtime{Members: members}, nil
}

func splitAndTrim(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			tok := raw[start:i]
			out = append(out, trimSpace(tok))
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// Save writes the runtime's control block to
// <softwareRoot>/runtimes/<uuid>/control with mode 0644 (§5 resource model).
func (r *Runtime) Save(softwareRoot string) error {
	dir := filepath.Join(softwareRoot, "runtimes", r.UUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runtime: create directory: %w", err)
	}

	var w configblocks.Writer
	b := w.NewBlock()
	(*b)[fieldRequires] = []string{joinComma(r.Members)}

	path := filepath.Join(dir, controlFileName)
	if err := os.WriteFile(path, w.Bytes(), 0o644); err != nil {
		return fmt.Errorf("runtime: write control: %w", err)
	}
	return nil
}

func joinComma(members []string) string {
	out := ""
	for i, m := range members {
		if i > 0 {
			out += ", "
		}
		out += m
	}
	return out
}

// Remove deletes the runtime's directory entirely.
func Remove(softwareRoot, uuid string) error {
	dir := filepath.Join(softwareRoot, "runtimes", uuid)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("runtime: remove %s: %w", uuid, err)
	}
	return nil
}

// ContainsAll reports whether every id in members is present in r's
// member set — the subset-or-equal test used for runtime reuse
// (spec.md §9 Open Question (b), decided in SPEC_FULL.md §10.2).
func (r *Runtime) ContainsAll(members []string) bool {
	set := make(map[string]struct{}, len(r.Members))
	for _, m := range r.Members {
		set[m] = struct{}{}
	}
	for _, m := range members {
		if _, ok := set[m]; !ok {
			return false
		}
	}
	return true
}

// SortedMembers returns a copy of Members sorted for stable display and
// comparison in tests.
func (r *Runtime) SortedMembers() []string {
	out := append([]string(nil), r.Members...)
	sort.Strings(out)
	return out
}
