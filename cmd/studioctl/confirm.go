package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// confirm prompts for a yes/no answer before a destructive operation. When
// stdin isn't a terminal (scripted/CI invocation) it refuses by default
// rather than blocking on a read that will never resolve.
func confirm(action string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "refusing to %s without --yes on a non-interactive stdin\n", action)
		return false
	}

	fmt.Printf("about to %s. continue? [y/N] ", action)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
