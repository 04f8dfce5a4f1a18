package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

const cdMarker = "__CANOPY_CD__="

// shellHook returns a wrapper function that runs canopy and changes into the
// directory named by the last cd marker in its output.
func shellHook(shell string) (string, error) {
	switch shell {
	case "zsh", "bash":
		return `cnp() {
  local _out _rc _cd
  _out="$(CANOPY_EMIT_CD_MARKER=1 command canopy "$@")"
  _rc=$?

  _cd="$(printf '%s\n' "$_out" | sed -n 's/^__CANOPY_CD__=//p' | tail -n 1)"
  if [[ -n "$_out" ]]; then
    printf '%s\n' "$_out" | sed '/^__CANOPY_CD__=/d'
  fi
  if [[ -n "$_cd" ]]; then
    cd "$_cd" || return
  fi
  return $_rc
}
`, nil
	case "fish":
		return `function cnp
  set -l _out (env CANOPY_EMIT_CD_MARKER=1 command canopy $argv)
  set -l _rc $status
  set -l _cd ""

  for line in $_out
    if string match -qr '^__CANOPY_CD__=' -- $line
      set _cd (string replace '__CANOPY_CD__=' '' -- $line)
    else
      echo $line
    end
  end
  if test -n "$_cd"
    cd "$_cd"
  end
  return $_rc
end
`, nil
	default:
		return "", fmt.Errorf("unsupported shell: %s (want zsh, bash or fish)", shell)
	}
}

func emitCDMarker(w io.Writer, enabled bool, path string) {
	if enabled {
		fmt.Fprintf(w, "%s%s\n", cdMarker, path)
	}
}

func newShellHookCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "shell-hook <zsh|bash|fish>",
		Short:     "Print a shell function that follows canopy into new worktrees",
		Example:   `  eval "$(canopy shell-hook zsh)"`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"zsh", "bash", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			hook, err := shellHook(strings.ToLower(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprint(a.stdout, hook)
			return nil
		},
	}
}
