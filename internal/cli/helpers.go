package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bolasblack/nfcond/internal/client"
)

// Common error messages for CLI commands.
const (
	ErrMsgDaemonUnreachable = "cannot reach nfcond daemon: is 'nfcond serve' running?"
	ErrMsgNotATerminal      = "interactive mode requires a terminal"
)

// clientFactory creates the API client for a command. Tests replace it.
var clientFactory = func(cmd *cobra.Command) (*client.Client, error) {
	socket, err := cmd.Flags().GetString("socket")
	if err != nil {
		return nil, err
	}
	return client.New(socket)
}

// isTerminal reports whether stdin is interactive. Tests replace it.
var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// apiError turns transport failures into a friendly message and leaves API
// errors as they are.
func apiError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusForbidden {
			return fmt.Errorf("permission denied: %s", apiErr.Message)
		}
		return apiErr
	}
	return fmt.Errorf("%s (%w)", ErrMsgDaemonUnreachable, err)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// parseSwitch parses a condition value given on the command line.
func parseSwitch(s string) (bool, error) {
	switch s {
	case "1", "on", "true", "enable":
		return true, nil
	case "0", "off", "false", "disable":
		return false, nil
	default:
		return false, fmt.Errorf("invalid value %q: want 0 or 1", s)
	}
}

func switchPayload(on bool) []byte {
	if on {
		return []byte("1\n")
	}
	return []byte("0\n")
}

func boolDigit(b bool) int {
	if b {
		return 1
	}
	return 0
}
