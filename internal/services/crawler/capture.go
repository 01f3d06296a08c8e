// -----------------------------------------------------------------------
// Page Capture - Navigation, load wait, and the parallel DOM/screenshot/PDF
// fan-out
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

const (
	networkIdleCap = 5 * time.Second
	jpegQuality    = 80
)

// CaptureOptions tune one page capture
type CaptureOptions struct {
	NavigateTimeout   time.Duration
	ScreenshotTimeout time.Duration
	WantScreenshot    bool
	FullPageShot      bool
	WantPDF           bool
}

// CaptureResult is everything the pipeline pulls out of the rendered page
type CaptureResult struct {
	HTML       string
	StatusCode int
	FinalURL   string
	Screenshot []byte
	PDF        []byte
}

// capturePage navigates and captures the page. DOM HTML is mandatory;
// screenshot and PDF failures downgrade to absent artifacts. All capture
// work races the job's cancellation through ctx.
func capturePage(ctx context.Context, targetURL string, opts CaptureOptions, logger arbor.ILogger) (*CaptureResult, error) {
	result := &CaptureResult{}

	// The first document response carries the page's status code; the
	// domcontentloaded event is the capture gate
	domReady := make(chan struct{})
	var readyOnce sync.Once
	var statusMu sync.Mutex
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if e.Type != network.ResourceTypeDocument {
				return
			}
			statusMu.Lock()
			if result.StatusCode == 0 {
				result.StatusCode = int(e.Response.Status)
			}
			statusMu.Unlock()
		case *page.EventDomContentEventFired:
			readyOnce.Do(func() { close(domReady) })
		}
	})

	// Navigate without waiting for the full load event; a stalled sub-resource
	// must not sink a page whose DOM is already usable
	navCtx, navCancel := context.WithTimeout(ctx, opts.NavigateTimeout)
	defer navCancel()
	err := chromedp.Run(navCtx, chromedp.ActionFunc(func(cctx context.Context) error {
		_, _, errText, _, err := page.Navigate(targetURL).Do(cctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("%s", errText)
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	if err := awaitDomReady(navCtx, domReady); err != nil {
		return nil, err
	}

	// Best-effort settle after domcontentloaded, capped; pages that never go
	// idle are captured as-is
	waitForIdle(ctx, logger)

	var wg sync.WaitGroup
	var htmlErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		var locationURL string
		err := chromedp.Run(ctx,
			chromedp.OuterHTML("html", &result.HTML),
			chromedp.Location(&locationURL),
		)
		if err != nil {
			htmlErr = fmt.Errorf("dom capture failed: %w", err)
			return
		}
		result.FinalURL = locationURL
	}()

	if opts.WantScreenshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shotCtx, cancel := context.WithTimeout(ctx, opts.ScreenshotTimeout)
			defer cancel()

			var shot []byte
			var err error
			if opts.FullPageShot {
				err = chromedp.Run(shotCtx, chromedp.FullScreenshot(&shot, jpegQuality))
			} else {
				err = chromedp.Run(shotCtx, chromedp.ActionFunc(func(cctx context.Context) error {
					data, err := page.CaptureScreenshot().
						WithFormat(page.CaptureScreenshotFormatJpeg).
						WithQuality(jpegQuality).
						Do(cctx)
					if err != nil {
						return err
					}
					shot = data
					return nil
				}))
			}
			if err != nil {
				logger.Warn().Err(err).Str("url", targetURL).Msg("Screenshot failed, continuing without")
				return
			}
			result.Screenshot = shot
		}()
	}

	if opts.WantPDF {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pdfCtx, cancel := context.WithTimeout(ctx, opts.ScreenshotTimeout)
			defer cancel()

			var pdf []byte
			err := chromedp.Run(pdfCtx, chromedp.ActionFunc(func(ctx context.Context) error {
				data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
				if err != nil {
					return err
				}
				pdf = data
				return nil
			}))
			if err != nil {
				logger.Warn().Err(err).Str("url", targetURL).Msg("PDF capture failed, continuing without")
				return
			}
			result.PDF = pdf
		}()
	}

	wg.Wait()

	if htmlErr != nil {
		return nil, htmlErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if result.FinalURL == "" {
		result.FinalURL = targetURL
	}
	return result, nil
}

// awaitDomReady blocks until domcontentloaded fires or the navigate timeout
// expires
func awaitDomReady(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("domcontentloaded not reached: %w", ctx.Err())
	}
}

// waitForIdle polls document.readyState until the page settles or the cap
// elapses
func waitForIdle(ctx context.Context, logger arbor.ILogger) {
	idleCtx, cancel := context.WithTimeout(ctx, networkIdleCap)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-idleCtx.Done():
			if ctx.Err() == nil {
				logger.Debug().Msg("Network idle wait capped, capturing as-is")
			}
			return
		case <-ticker.C:
			var state string
			if err := chromedp.Run(idleCtx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
				return
			}
			if state == "complete" {
				return
			}
		}
	}
}
