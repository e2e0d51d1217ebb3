// Package policy gates the I/O surfaces tool handlers touch: filesystem
// paths, shell commands, and outbound URLs.
//
// Violations are typed POLICY_VIOLATION errors; callers journal them as
// policy.violated.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
)

// Profile is the per-session I/O policy consulted by tool handlers.
type Profile struct {
	AllowedPaths  []string `yaml:"allowed_paths"`
	ReadonlyPaths []string `yaml:"readonly_paths"`
	WritablePaths []string `yaml:"writable_paths"`

	AllowedEndpoints []string `yaml:"allowed_endpoints"`
	AllowedCommands  []string `yaml:"allowed_commands"`

	RequireApprovalForWrites bool `yaml:"require_approval_for_writes"`
}

// sensitivePatterns always deny regardless of allow-lists: files known to
// carry secrets.
var sensitivePatterns = []string{
	".env",
	".env.local",
	".env.production",
	".netrc",
	".npmrc",
	".pgpass",
	"id_rsa",
	"id_ed25519",
	"id_ecdsa",
	"id_dsa",
	".pem",
	".key",
	".p12",
	".pfx",
	"credentials",
	".aws/credentials",
	".ssh/config",
}

// violation builds the standard policy error.
func violation(format string, args ...any) error {
	return errkit.Newf(errkit.CodePolicyViolation, format, args...)
}

// CheckPath validates a filesystem access. write selects the stricter write
// rules. The returned path is absolute with symlinks resolved; tools must use
// it, not the raw input.
func (p *Profile) CheckPath(path string, write bool) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", violation("cannot resolve path %q: %v", path, err)
	}

	resolved := resolveSymlinks(abs)

	if isSensitive(resolved) {
		return "", violation("access to sensitive file denied: %s", resolved)
	}

	if !containedInAny(resolved, p.AllowedPaths) {
		return "", violation("path %s is outside allowed paths", resolved)
	}

	if write {
		if len(p.WritablePaths) > 0 && !containedInAny(resolved, p.WritablePaths) {
			return "", violation("path %s is not writable under this policy", resolved)
		}
		if containedInAny(resolved, p.ReadonlyPaths) {
			return "", violation("path %s is read-only under this policy", resolved)
		}
	}
	return resolved, nil
}

// resolveSymlinks resolves the longest existing prefix of abs so that a
// not-yet-created file inside a symlinked directory still resolves.
func resolveSymlinks(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	dir, base := filepath.Split(abs)
	dir = strings.TrimSuffix(dir, string(filepath.Separator))
	if dir == "" || dir == abs {
		return abs
	}
	return filepath.Join(resolveSymlinks(dir), base)
}

// containedInAny reports whether path equals or is strictly contained in one
// of the roots. The prefix check appends a path separator so /etc never
// matches /etc_backup.
func containedInAny(path string, roots []string) bool {
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		abs = resolveSymlinks(abs)
		if path == abs {
			return true
		}
		if strings.HasPrefix(path, abs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func isSensitive(path string) bool {
	base := filepath.Base(path)
	lower := strings.ToLower(path)
	for _, pattern := range sensitivePatterns {
		if base == pattern || strings.HasSuffix(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// dangerousFragments reject known-destructive command shapes regardless of
// the allow-list.
var dangerousFragments = []string{
	"rm -rf",
	"rm -fr",
	"-delete",
	"mkfs",
	"dd if=",
	"dd of=",
	"| sh",
	"| bash",
	"|sh",
	"|bash",
	"curl | ",
	"> /dev/sd",
	":(){",
}

// CheckCommand validates a shell command: the first token must be allowed and
// no dangerous fragment may appear anywhere in the line.
func (p *Profile) CheckCommand(command string) error {
	base := extractBaseCommand(command)
	if base == "" {
		return violation("empty command")
	}

	lower := strings.ToLower(command)
	for _, frag := range dangerousFragments {
		if strings.Contains(lower, frag) {
			return violation("command contains dangerous pattern %q", frag)
		}
	}
	if strings.HasPrefix(base, "find") && strings.Contains(lower, " -exec ") && strings.Contains(lower, "rm") {
		return violation("command contains dangerous pattern %q", "find -exec rm")
	}

	if len(p.AllowedCommands) == 0 {
		return violation("no commands are allowed under this policy")
	}
	for _, allowed := range p.AllowedCommands {
		if base == allowed {
			return nil
		}
	}
	return violation("command not allowed: %s (allowed: %v)", base, p.AllowedCommands)
}

// extractBaseCommand returns the binary name of the first pipeline segment.
func extractBaseCommand(command string) string {
	parts := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == '>' || r == '<' || r == ';' || r == '&'
	})
	if len(parts) == 0 {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(parts[0]))
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// CheckEndpoint validates an outbound URL against the endpoint allow-list and
// the SSRF guard.
func (p *Profile) CheckEndpoint(rawURL string) error {
	if err := CheckURL(rawURL); err != nil {
		return err
	}
	if len(p.AllowedEndpoints) == 0 {
		return violation("no endpoints are allowed under this policy")
	}
	for _, allowed := range p.AllowedEndpoints {
		if strings.HasPrefix(rawURL, allowed) {
			return nil
		}
	}
	return violation("endpoint not allowed: %s", rawURL)
}

// CheckOverrides applies constraint-level path overrides on top of an already
// resolved and allowed path: writes must land in writable (when set) and
// never in readonly.
func CheckOverrides(resolved string, readonly, writable []string, write bool) error {
	if !write {
		return nil
	}
	if len(writable) > 0 && !containedInAny(resolved, writable) {
		return violation("path %s is not writable under the granted constraints", resolved)
	}
	if containedInAny(resolved, readonly) {
		return violation("path %s is read-only under the granted constraints", resolved)
	}
	return nil
}

// Validate checks the profile itself.
func (p *Profile) Validate() error {
	for _, root := range p.AllowedPaths {
		if root == "" {
			return fmt.Errorf("allowed_paths entries must be non-empty")
		}
	}
	for _, root := range p.AllowedPaths {
		if root == "/" || root == string(os.PathSeparator) {
			return fmt.Errorf("allowed_paths must not include the filesystem root")
		}
	}
	return nil
}
