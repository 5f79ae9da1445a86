package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"swallowtail/internal/taskqueue/events"
)

// ScriptHandler runs a shell script from the task params in a subprocess
// and captures its stdout as the result. The subprocess inherits the
// handler context, so the runner's soft limit kills it.
type ScriptHandler struct {
	// Interpreter defaults to "sh" when empty.
	Interpreter string
}

type scriptParams struct {
	Code string `json:"code"`
}

func (s *ScriptHandler) Handle(ctx context.Context, payload events.TaskDispatchPayload) (string, error) {
	var params scriptParams
	if err := json.Unmarshal([]byte(payload.Params), &params); err != nil {
		return "", Permanent(fmt.Errorf("malformed script params: %w", err))
	}
	if params.Code == "" {
		return "", Permanent(fmt.Errorf("script code is empty"))
	}

	interpreter := s.Interpreter
	if interpreter == "" {
		interpreter = "sh"
	}

	tempDir, err := os.MkdirTemp("", "swallowtail_scripts_")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	scriptPath := filepath.Join(tempDir, "script")
	if err := os.WriteFile(scriptPath, []byte(params.Code), 0o755); err != nil {
		return "", fmt.Errorf("failed to write script to temp file: %w", err)
	}

	log.Printf("ScriptHandler: task ID %d running script at %s", payload.TaskID, scriptPath)

	cmd := exec.CommandContext(ctx, interpreter, scriptPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("script cancelled: %w", ctx.Err())
		}
		return "", fmt.Errorf("script execution failed: %w. Stderr: %s", err, stderr.String())
	}
	if stderr.Len() > 0 {
		log.Printf("ScriptHandler: task ID %d stderr:\n%s", payload.TaskID, stderr.String())
	}
	return stdout.String(), nil
}

var _ Handler = (*ScriptHandler)(nil)
