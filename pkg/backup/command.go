package backup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/Oxen-AI/oxen-archive/pkg/config"
)

const defaultCommandTimeout = 5 * time.Minute

// executeCommand runs cmd through sh in dir unless cmd names its own
// working directory.
func (m *Manager) executeCommand(ctx context.Context, cmd *config.Command, dir string) error {
	if cmd == nil || cmd.Command == "" {
		return nil
	}

	timeout := defaultCommandTimeout
	if cmd.Timeout != "" {
		var err error
		if timeout, err = time.ParseDuration(cmd.Timeout); err != nil {
			return fmt.Errorf("invalid timeout duration: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := exec.CommandContext(ctx, "sh", "-c", cmd.Command)
	command.WaitDelay = time.Second
	command.Dir = dir
	if cmd.WorkingDir != "" {
		command.Dir = cmd.WorkingDir
	}
	if len(cmd.Environment) > 0 {
		env := os.Environ()
		for key, value := range cmd.Environment {
			env = append(env, fmt.Sprintf("%s=%s", key, value))
		}
		command.Env = env
	}

	output, err := command.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command failed: %w\nOutput: %s", err, string(output))
	}
	m.log.Debug("pre-backup command finished", zap.String("command", cmd.Command), zap.ByteString("output", output))
	return nil
}
