// -----------------------------------------------------------------------
// Full-Page Archiver - Single-file archive via the external monolith tool
// -----------------------------------------------------------------------

package crawler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
)

const (
	monolithBinary  = "monolith"
	archiveTimeout  = 2 * time.Minute
	archiveSizeCap  = 50 * 1024 * 1024
)

// Archiver shells out to monolith to inline every page resource into one
// self-contained HTML file. The captured DOM goes in on stdin so the archive
// reflects what the browser actually rendered.
type Archiver struct {
	proxy  *common.ProxySelector
	logger arbor.ILogger
}

// NewArchiver creates the full-page archiver
func NewArchiver(proxy *common.ProxySelector, logger arbor.ILogger) *Archiver {
	return &Archiver{
		proxy:  proxy,
		logger: logger,
	}
}

// Available reports whether the monolith binary is on PATH
func (a *Archiver) Available() bool {
	_, err := exec.LookPath(monolithBinary)
	return err == nil
}

// Archive produces the single-file archive for the captured HTML. The base
// URL lets monolith resolve relative resource references.
func (a *Archiver) Archive(ctx context.Context, htmlContent, baseURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, monolithBinary,
		"--base-url", baseURL,
		"--no-audio",
		"--no-video",
		"--silent",
		"-", // read document from stdin
	)
	cmd.Stdin = bytes.NewReader([]byte(htmlContent))
	cmd.Env = a.proxy.Env()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("archive timed out after %s", archiveTimeout)
		}
		return nil, fmt.Errorf("monolith failed: %w (stderr: %s)", err, truncateString(stderr.String(), 512))
	}

	if stdout.Len() > archiveSizeCap {
		return nil, fmt.Errorf("archive exceeds %d bytes", archiveSizeCap)
	}

	a.logger.Debug().
		Str("base_url", baseURL).
		Int("size_bytes", stdout.Len()).
		Str("elapsed", time.Since(start).String()).
		Msg("Full-page archive produced")

	return stdout.Bytes(), nil
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
