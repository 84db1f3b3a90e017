package driver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hayashi-ek/epicrun/internal/executor"
	"github.com/hayashi-ek/epicrun/internal/model"
)

const itemPlaceholder = "{{item}}"

// CommandUnit runs the configured agent command for each work item. The
// command template has every {{item}} occurrence replaced with the item
// id and is executed through the shell. Exit status zero is success;
// combined output is captured for classification and appended to the
// item's log file when a log directory is set.
type CommandUnit struct {
	Command string
	LogDir  string
}

func NewCommandUnit(cfg model.AgentConfig, logDir string) *CommandUnit {
	return &CommandUnit{Command: cfg.Command, LogDir: logDir}
}

func (u *CommandUnit) Run(ctx context.Context, item model.WorkItem) executor.Outcome {
	rendered := strings.ReplaceAll(u.Command, itemPlaceholder, item.ID)

	cmd := exec.CommandContext(ctx, "sh", "-c", rendered)
	// Run the command in its own process group so a timeout kill takes
	// the whole tree, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()

	if u.LogDir != "" {
		u.appendLog(item.ID, output, err)
	}

	return executor.Outcome{
		ItemID:  item.ID,
		Success: err == nil,
		Output:  output,
	}
}

func (u *CommandUnit) appendLog(itemID, output string, runErr error) {
	path := filepath.Join(u.LogDir, itemID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "--- attempt (err=%v) ---\n%s\n", runErr, output)
}

// FileArtifactChecker treats the presence of <dir>/<itemID>.url as proof
// that the item delivered its artifact. The file holds the PR URL.
type FileArtifactChecker struct {
	Dir string
}

func (c *FileArtifactChecker) Check(_ context.Context, itemID string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(c.Dir, itemID+".url"))
	if err != nil {
		return "", false
	}
	url := strings.TrimSpace(string(data))
	return url, url != ""
}
