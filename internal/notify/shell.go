package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/zulandar/buildbay/internal/models"
)

// ShellAdapter runs a shell command for each notification, e.g.
// "notify-send 'BuildBay' '{{.Message}}'".
type ShellAdapter struct {
	Command string
}

// NewShellAdapter creates a ShellAdapter for the given command template.
func NewShellAdapter(command string) (*ShellAdapter, error) {
	if command == "" {
		return nil, fmt.Errorf("notify: shell command is required")
	}
	return &ShellAdapter{Command: command}, nil
}

func (a *ShellAdapter) Name() string { return "shell" }

// Send runs the templated command.
func (a *ShellAdapter) Send(ctx context.Context, n models.Notification) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", templateCommand(a.Command, n))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify: shell command: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// templateCommand replaces placeholders in the command template with
// notification values.
func templateCommand(command string, n models.Notification) string {
	r := strings.NewReplacer(
		"{{.Type}}", n.Type,
		"{{.Message}}", n.Message,
		"{{.JobID}}", n.JobID,
		"{{.WebsiteID}}", n.WebsiteID,
		"{{.Owner}}", n.OwnerID,
	)
	return r.Replace(command)
}
