package agent

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
// In tests you can replace it with a stub to avoid touching the terminal.
var readPassword = term.ReadPassword

// PromptToken prints a prompt to w and reads a session token from the user's
// terminal without echo. A newline is printed after the read to keep the UI
// tidy.
func PromptToken(w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, "Session token: "); err != nil {
		return "", err
	}
	token, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(token)), nil
}
