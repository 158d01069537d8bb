package process

import (
	"fmt"
	"os/exec"
	"strings"
)

// Run executes command with arg and returns its trimmed stdout. It is meant
// for short-lived, one-shot invocations (e.g. probing a tool's version)
// rather than long-running supervised processes; use New/Process for those.
func Run(command string, arg ...string) (string, error) {
	output, err := exec.Command(command, arg...).Output()
	if err != nil {
		return "", fmt.Errorf("could not run %s %s: %w", command, strings.Join(arg, " "), err)
	}

	return strings.Trim(string(output), "\n"), nil
}
