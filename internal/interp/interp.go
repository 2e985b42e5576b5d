// Package interp resolves and launches the interpreter binary for a
// script's language (spec component C4), caching resolution results
// and guaranteeing that killing the returned process also terminates
// its process subtree.
package interp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/automn/runner/internal/types"
)

// Resolver finds and caches the interpreter binary path per language.
type Resolver struct {
	mu          sync.Mutex
	cache       map[types.Language]string
	preArgs     map[types.Language][]string
	lookPath    func(string) (string, error)
	explicit    map[types.Language]string
	probeRunner func(path string, args ...string) error
}

// NewResolver returns a Resolver. explicit maps a language to an
// operator-configured interpreter path that always takes precedence.
func NewResolver(explicit map[types.Language]string) *Resolver {
	return &Resolver{
		cache:       make(map[types.Language]string),
		preArgs:     make(map[types.Language][]string),
		lookPath:    exec.LookPath,
		explicit:    explicit,
		probeRunner: probeVersion,
	}
}

func probeVersion(path string, args ...string) error {
	cmd := exec.Command(path, args...)
	return cmd.Run()
}

// Resolve returns the interpreter binary for lang, caching the result.
func (r *Resolver) Resolve(lang types.Language) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[lang]; ok {
		return cached, nil
	}

	if explicit, ok := r.explicit[lang]; ok && explicit != "" {
		r.cache[lang] = explicit
		return explicit, nil
	}

	var resolved string
	var err error
	switch lang {
	case types.LanguageNode:
		resolved, err = r.lookPath("node")
	case types.LanguagePython:
		resolved, err = r.resolvePython()
	case types.LanguagePowerShell:
		resolved, err = r.resolvePowerShell()
	case types.LanguageShell:
		resolved, err = r.resolveShell()
	default:
		return "", fmt.Errorf("interp: unsupported language %q", lang)
	}
	if err != nil {
		return "", err
	}
	r.cache[lang] = resolved
	return resolved, nil
}

// PreArgs returns the extra arguments, if any, that must precede the
// script path when launching lang's interpreter (e.g. "-3" for the
// Windows "py" launcher). It only reflects a language resolved via the
// candidate-probing path in Resolve, and is empty otherwise.
func (r *Resolver) PreArgs(lang types.Language) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preArgs[lang]
}

// pythonCandidate is a probed python binary name plus any arguments
// that must be passed ahead of the script (e.g. "py -3" requires "-3"
// as a separate exec argument, since os/exec never shell-splits a
// command name).
type pythonCandidate struct {
	bin  string
	args []string
}

func (r *Resolver) resolvePython() (string, error) {
	candidates := []pythonCandidate{{bin: "python3"}, {bin: "python"}}
	if runtime.GOOS == "windows" {
		candidates = append(candidates, pythonCandidate{bin: "py", args: []string{"-3"}})
	}
	for _, c := range candidates {
		path, err := r.lookPath(c.bin)
		if err != nil {
			continue
		}
		probeArgs := append(append([]string{}, c.args...), "--version")
		if r.probeRunner(path, probeArgs...) == nil {
			r.preArgs[types.LanguagePython] = c.args
			return c.bin, nil
		}
	}
	return "", fmt.Errorf("interp: no usable python interpreter found")
}

func (r *Resolver) resolvePowerShell() (string, error) {
	if path, err := r.lookPath("pwsh"); err == nil {
		return path, nil
	}
	if runtime.GOOS == "windows" {
		systemRoot := os.Getenv("SystemRoot")
		programFiles := os.Getenv("ProgramFiles")
		candidates := []string{
			filepath.Join(systemRoot, "System32", "WindowsPowerShell", "v1.0", "powershell.exe"),
			filepath.Join(systemRoot, "Sysnative", "WindowsPowerShell", "v1.0", "powershell.exe"),
			filepath.Join(programFiles, "PowerShell", "7-preview", "pwsh.exe"),
			filepath.Join(programFiles, "PowerShell", "7", "pwsh.exe"),
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				return c, nil
			}
		}
		if path, err := r.lookPath("powershell.exe"); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("interp: no usable powershell interpreter found")
}

func (r *Resolver) resolveShell() (string, error) {
	if path, err := r.lookPath("bash"); err == nil {
		return path, nil
	}
	if path, err := r.lookPath("sh"); err == nil {
		return path, nil
	}
	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec, nil
		}
	}
	return "", fmt.Errorf("interp: no usable shell interpreter found")
}

// LaunchArgs returns the argument list used to invoke lang's
// interpreter against scriptPath. preArgs (from Resolver.PreArgs) are
// inserted ahead of scriptPath, e.g. "-3" for the Windows "py"
// launcher; most languages resolve no preArgs.
func LaunchArgs(lang types.Language, preArgs []string, scriptPath string) []string {
	switch lang {
	case types.LanguagePowerShell:
		return []string{"-NoLogo", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", scriptPath}
	default:
		return append(append([]string{}, preArgs...), scriptPath)
	}
}

// needsShellWrap reports whether, on Windows, a spawn target's
// extension must be wrapped via cmd.exe (spec.md §4.4).
func needsShellWrap(path string) bool {
	if runtime.GOOS != "windows" {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".cmd", ".bat", ".ps1", "":
		return true
	default:
		return false
	}
}

// BuildCommand returns an *exec.Cmd for launching lang's interpreter
// with args, wrapping the invocation in the system shell on Windows
// when the target requires it, and configuring the command to run in
// its own process group so that killing it also kills its subtree.
func BuildCommand(ctx context.Context, interpreterPath string, args []string, env []string, dir string) *exec.Cmd {
	var cmd *exec.Cmd
	if needsShellWrap(interpreterPath) {
		quoted := quoteWindowsCommandLine(append([]string{interpreterPath}, args...))
		cmd = exec.CommandContext(ctx, "cmd.exe", "/d", "/s", "/c", quoted)
	} else {
		cmd = exec.CommandContext(ctx, interpreterPath, args...)
	}
	cmd.Env = env
	cmd.Dir = dir
	setProcessGroup(cmd)
	return cmd
}

func quoteWindowsCommandLine(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		if strings.ContainsAny(p, " \t\"") {
			quoted[i] = `"` + strings.ReplaceAll(p, `"`, `\"`) + `"`
		} else {
			quoted[i] = p
		}
	}
	return `"` + strings.Join(quoted, " ") + `"`
}
