// Package scriptbuilder implements the Command Script Builder (spec.md
// 4.2): a pure function that, given a shell family, cwd, per-command env,
// a prefix, and a marker, produces the text the persistent shell executes
// to run one command and emit the completion marker.
//
// Build is deterministic: it performs no environment lookups and
// introduces no randomness beyond whatever marker the caller passes in.
package scriptbuilder

import (
	"sort"
	"strings"

	"github.com/ravshansbox/ompshell/pkg/shellconfig"
)

// Options carries everything Build needs for one command.
type Options struct {
	// Cwd, if non-empty, is cd'd into before the command runs.
	Cwd string

	// Env holds per-command environment exports. These do not persist
	// past the command (spec.md 8, "State isolation").
	Env map[string]string

	// Prefix is prepended to the user command, e.g. a time-limiting
	// wrapper. May be empty.
	Prefix string

	// Command is the user's command text. An empty command is
	// substituted with ":" (POSIX) or nothing (fish has no no-op analog
	// needed since an empty fish command block is itself a no-op).
	Command string

	// Marker is the full marker string including its trailing "__", e.g.
	// "__OMP_CMD_DONE__<32 hex chars>__". Build appends the exit code and
	// newlines per spec.md 6's wire format.
	Marker string
}

// Build generates the script for the given shell family.
func Build(family shellconfig.Family, opts Options) string {
	if family == shellconfig.FamilyFish {
		return buildFish(opts)
	}
	return buildPOSIX(opts)
}

func buildPOSIX(opts Options) string {
	var b strings.Builder

	// 1. Save and clear errexit.
	b.WriteString("__omp_prev_errexit=0\n")
	b.WriteString("case $- in *e*) __omp_prev_errexit=1 ;; esac\n")
	b.WriteString("set +e\n")

	// 2. Save and clear any installed INT trap.
	b.WriteString("__omp_prev_int_trap=\"$(trap -p INT 2>/dev/null)\"\n")
	b.WriteString("trap - INT\n")

	// 3. Capture current definitions of exit, logout, exec.
	b.WriteString("__omp_save_exit=\"$(declare -f exit 2>/dev/null)\"\n")
	b.WriteString("__omp_save_logout=\"$(declare -f logout 2>/dev/null)\"\n")
	b.WriteString("__omp_save_exec=\"$(declare -f exec 2>/dev/null)\"\n")

	// 4. Install shim functions.
	b.WriteString("exit() { return \"${1:-0}\"; }\n")
	b.WriteString("logout() { return \"${1:-0}\"; }\n")
	b.WriteString("exec() { command \"$@\"; return $?; }\n")

	// 5. Apply per-command environment exports, remembering each key's
	// previous value (or absence) so step 9 can put it back.
	envKeys := sortedKeys(opts.Env)
	for _, k := range envKeys {
		b.WriteString("__omp_had_" + k + "=${" + k + "+1}; __omp_old_" + k + "=${" + k + "-}\n")
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shQuote(opts.Env[k]))
		b.WriteString("\n")
	}

	// 6. Change directory if a cwd is supplied.
	if opts.Cwd != "" {
		b.WriteString("cd -- ")
		b.WriteString(shQuote(opts.Cwd))
		b.WriteString(" || true\n")
	}

	// 7. Run the user command, prefixed if configured.
	cmd := opts.Command
	if cmd == "" {
		cmd = ":"
	}
	if opts.Prefix != "" {
		b.WriteString(opts.Prefix)
		b.WriteString(" ")
	}
	b.WriteString(cmd)
	b.WriteString("\n")

	// 8. Capture $? into a scratch variable.
	b.WriteString("__omp_status=$?\n")

	// 9. Restore per-command env, saved definitions, unset shims, restore
	// trap/errexit.
	for _, k := range envKeys {
		b.WriteString("if [ -n \"$__omp_had_" + k + "\" ]; then " + k + "=$__omp_old_" + k + "; else unset " + k + "; fi\n")
		b.WriteString("unset __omp_had_" + k + " __omp_old_" + k + "\n")
	}
	b.WriteString("unset -f exit logout exec 2>/dev/null\n")
	b.WriteString("[ -n \"$__omp_save_exit\" ] && eval \"$__omp_save_exit\"\n")
	b.WriteString("[ -n \"$__omp_save_logout\" ] && eval \"$__omp_save_logout\"\n")
	b.WriteString("[ -n \"$__omp_save_exec\" ] && eval \"$__omp_save_exec\"\n")
	b.WriteString("if [ -n \"$__omp_prev_int_trap\" ]; then eval \"$__omp_prev_int_trap\"; else trap - INT; fi\n")
	b.WriteString("[ \"$__omp_prev_errexit\" = \"1\" ] && set -e\n")

	// 10. Emit the completion marker.
	b.WriteString("printf '\\n%s%d\\n' '")
	b.WriteString(opts.Marker)
	b.WriteString("' \"$__omp_status\"\n")

	return b.String()
}

func buildFish(opts Options) string {
	var b strings.Builder

	b.WriteString("begin\n")
	b.WriteString("    set -g __omp_exit_code 0\n")

	for _, name := range []string{"exit", "logout", "exec"} {
		b.WriteString("    if functions -q " + name + "\n")
		b.WriteString("        functions -c " + name + " __omp_saved_" + name + "\n")
		b.WriteString("    end\n")
	}

	b.WriteString("    function exit\n")
	b.WriteString("        set -g __omp_exit_code $argv[1]\n")
	b.WriteString("        return $argv[1]\n")
	b.WriteString("    end\n")
	b.WriteString("    function logout\n")
	b.WriteString("        set -g __omp_exit_code $argv[1]\n")
	b.WriteString("        return $argv[1]\n")
	b.WriteString("    end\n")
	b.WriteString("    function exec\n")
	b.WriteString("        command $argv\n")
	b.WriteString("        return $status\n")
	b.WriteString("    end\n")

	for _, k := range sortedKeys(opts.Env) {
		b.WriteString("    set -lx " + k + " " + fishQuote(opts.Env[k]) + "\n")
	}

	if opts.Cwd != "" {
		b.WriteString("    cd " + fishQuote(opts.Cwd) + "; or true\n")
	}

	cmd := opts.Command
	b.WriteString("    ")
	if opts.Prefix != "" {
		b.WriteString(opts.Prefix)
		b.WriteString(" ")
	}
	b.WriteString(cmd)
	b.WriteString("\n")
	// __omp_exit_code carries the shimmed exit/logout code across the
	// function-restoration below, which can otherwise disturb $status
	// before the marker is printed (spec.md 4.2: "a global ... to simulate
	// the saved code across function restoration"). Ordinary commands never
	// touch it, so it stays 0 and $status is used as-is.
	b.WriteString("    set __omp_status $status\n")
	b.WriteString("    if test \"$__omp_exit_code\" -ne 0\n")
	b.WriteString("        set __omp_status $__omp_exit_code\n")
	b.WriteString("    end\n")

	b.WriteString("    functions -e exit logout exec\n")
	for _, name := range []string{"exit", "logout", "exec"} {
		b.WriteString("    if functions -q __omp_saved_" + name + "\n")
		b.WriteString("        functions -c __omp_saved_" + name + " " + name + "\n")
		b.WriteString("        functions -e __omp_saved_" + name + "\n")
		b.WriteString("    end\n")
	}

	b.WriteString("    printf '\\n%s%d\\n' '" + opts.Marker + "' $__omp_status\n")
	b.WriteString("end\n")

	return b.String()
}

// shQuote wraps s in single quotes, escaping embedded single quotes with
// the classic '…'\''…' pattern.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// fishQuote applies the same escaping; fish single-quote syntax accepts
// the same '…'\''…' idiom for embedded quotes.
func fishQuote(s string) string {
	return shQuote(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
