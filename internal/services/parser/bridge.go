// -----------------------------------------------------------------------
// Parser Bridge - Runs the parser subprocess with a hard memory cap
// -----------------------------------------------------------------------

package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
)

// ParserBinaryName is the child executable resolved beside the server binary
const ParserBinaryName = "stash-parser"

var (
	// ErrParserOOM means the subprocess was killed at its memory cap. Large
	// documents may succeed on a machine with more headroom, so it retries.
	ErrParserOOM = errors.New("parser subprocess out of memory")

	// ErrParserTimeout means the subprocess exceeded the parse deadline
	ErrParserTimeout = errors.New("parser subprocess timed out")

	// ErrParserOutput means the subprocess produced unparseable stdout
	ErrParserOutput = errors.New("parser subprocess returned malformed output")
)

// Bridge runs documents through the parser subprocess. Each call spawns a
// fresh child so a pathological page cannot poison later parses; the heap cap
// rides in through GOMEMLIMIT and the kernel OOM kill is classified from the
// exit state.
type Bridge struct {
	binPath    string
	memLimitMB int
	timeout    time.Duration
	logger     arbor.ILogger
}

// NewBridge creates a bridge with the parser binary resolved next to the
// running executable.
func NewBridge(config *common.CrawlerConfig, logger arbor.ILogger) (*Bridge, error) {
	binPath, err := resolveParserBinary()
	if err != nil {
		return nil, err
	}
	return NewBridgeWithBinary(binPath, config, logger), nil
}

// NewBridgeWithBinary creates a bridge against an explicit parser binary path
func NewBridgeWithBinary(binPath string, config *common.CrawlerConfig, logger arbor.ILogger) *Bridge {
	timeout := time.Duration(config.ParseTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{
		binPath:    binPath,
		memLimitMB: config.ParserMemLimitMB,
		timeout:    timeout,
		logger:     logger,
	}
}

func resolveParserBinary() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	binPath := filepath.Join(filepath.Dir(exe), ParserBinaryName)
	if _, err := os.Stat(binPath); err != nil {
		return "", fmt.Errorf("parser binary not found at %s: %w", binPath, err)
	}
	return binPath, nil
}

// Parse extracts metadata and readable content from the document HTML.
// Failures are transient from the caller's perspective: OOM, timeout, and
// malformed output all count against the job's retry budget.
func (b *Bridge) Parse(ctx context.Context, htmlContent, pageURL, jobID string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	input, err := json.Marshal(Request{
		HTMLContent: htmlContent,
		URL:         pageURL,
		JobID:       jobID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode parser request: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.binPath)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	env := os.Environ()
	if b.memLimitMB > 0 {
		env = append(env, fmt.Sprintf("GOMEMLIMIT=%dMiB", b.memLimitMB))
	}
	cmd.Env = env

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrParserTimeout, b.timeout)
		}
		if isOOMExit(runErr) {
			b.logger.Warn().
				Str("job_id", jobID).
				Int("mem_limit_mb", b.memLimitMB).
				Str("elapsed", elapsed.String()).
				Msg("Parser subprocess hit memory cap")
			return nil, ErrParserOOM
		}
		// Non-zero exit with a well-formed error body still tells us what broke
		if resp := decodeResponse(stdout.Bytes()); resp != nil && resp.Error != "" {
			return nil, fmt.Errorf("parser failed: %s", resp.Error)
		}
		return nil, fmt.Errorf("parser subprocess failed: %w (stderr: %s)", runErr, truncate(stderr.String(), 512))
	}

	resp := decodeResponse(stdout.Bytes())
	if resp == nil {
		return nil, fmt.Errorf("%w: %s", ErrParserOutput, truncate(stdout.String(), 512))
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("parser failed: %s", resp.Error)
	}

	b.logger.Debug().
		Str("job_id", jobID).
		Str("elapsed", elapsed.String()).
		Bool("has_readable_content", resp.ReadableContent != nil).
		Msg("Parser subprocess finished")

	return resp, nil
}

// isOOMExit reports whether the child died at its memory cap: exit code 137,
// SIGKILL from the kernel OOM killer, or SIGABRT from the runtime.
func isOOMExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if exitErr.ExitCode() == 137 {
		return true
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := status.Signal()
		return sig == syscall.SIGKILL || sig == syscall.SIGABRT
	}
	return false
}

func decodeResponse(data []byte) *Response {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}
	return &resp
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
