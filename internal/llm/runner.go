package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrEmptyResult is returned when the CLI exits cleanly without a result payload.
var ErrEmptyResult = errors.New("llm: empty result")

// Runner executes the claude CLI in one-shot print mode.
type Runner struct {
	Path  string
	Model string
}

// envelope is the single JSON object printed by --output-format json.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// Complete sends prompt with the given system prompt and returns the model's text.
func (r *Runner) Complete(ctx context.Context, systemPrompt, prompt string) (string, error) {
	args := []string{
		"--print",
		"--model", r.Model,
		"--output-format", "json",
	}
	if systemPrompt != "" {
		args = append(args, "--system-prompt", systemPrompt)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, r.Path, args...)
	cmd.Env = filteredEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	env, parseErr := parseEnvelope(stdout.Bytes())
	if runErr != nil {
		// The CLI often reports errors in the stdout envelope rather than stderr.
		detail := strings.TrimSpace(stderr.String())
		if detail == "" && parseErr == nil {
			detail = env.Result
		}
		return "", fmt.Errorf("claude exited: %w: %s", runErr, detail)
	}
	if parseErr != nil {
		return "", parseErr
	}
	if env.IsError {
		return "", fmt.Errorf("claude reported error (%s): %s", env.Subtype, env.Result)
	}
	if strings.TrimSpace(env.Result) == "" {
		return "", ErrEmptyResult
	}
	return env.Result, nil
}

// parseEnvelope finds the result object in the CLI output. Some CLI versions emit
// log lines before it, so the last decodable line with type "result" wins.
func parseEnvelope(out []byte) (envelope, error) {
	var found envelope
	ok := false
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		if env.Type == "result" {
			found, ok = env, true
		}
	}
	if !ok {
		return envelope{}, fmt.Errorf("decode claude output: no result object in %d bytes", len(out))
	}
	return found, nil
}

// filteredEnv returns os.Environ() without variables starting with CLAUDE.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "CLAUDE") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}
