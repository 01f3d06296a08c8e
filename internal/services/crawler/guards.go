// -----------------------------------------------------------------------
// Navigation Guards - Request interception and dialog dismissal installed
// on every job context before navigation
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"strings"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// adblockHosts is a small prebuilt blocklist of ad and tracker hosts, loaded
// into contexts when enable_adblocker is set.
var adblockHosts = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googletagmanager.com",
	"google-analytics.com",
	"adservice.google.com",
	"facebook.net",
	"connect.facebook.com",
	"scorecardresearch.com",
	"quantserve.com",
	"outbrain.com",
	"taboola.com",
	"criteo.com",
	"adnxs.com",
	"amazon-adsystem.com",
	"hotjar.com",
}

// installGuards arms the per-page request interceptor and dialog handler:
// media sub-resources are aborted, every sub-request URL re-validates
// against the URL policy, ad hosts are dropped when the blocker is on, and
// JS dialogs are dismissed so no page can stall a capture waiting for input.
func installGuards(ctx context.Context, policy *URLPolicy, adblock bool, logger arbor.ILogger) error {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go handlePausedRequest(ctx, e, policy, adblock, logger)
		case *page.EventJavascriptDialogOpening:
			go dismissDialog(ctx, e, logger)
		}
	})

	return chromedp.Run(ctx, fetch.Enable())
}

func handlePausedRequest(ctx context.Context, ev *fetch.EventRequestPaused, policy *URLPolicy, adblock bool, logger arbor.ILogger) {
	// The job is gone, nothing left to answer
	if ctx.Err() != nil {
		return
	}

	abort := func(reason string) {
		logger.Trace().
			Str("url", ev.Request.URL).
			Str("reason", reason).
			Msg("Sub-request aborted")
		_ = chromedp.Run(ctx, fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient))
	}

	if ev.ResourceType == network.ResourceTypeMedia {
		abort("media resource")
		return
	}

	if adblock && isAdHost(ev.Request.URL) {
		abort("blocklisted host")
		return
	}

	if err := policy.Validate(ev.Request.URL); err != nil {
		abort("url policy")
		return
	}

	_ = chromedp.Run(ctx, fetch.ContinueRequest(ev.RequestID))
}

func dismissDialog(ctx context.Context, ev *page.EventJavascriptDialogOpening, logger arbor.ILogger) {
	logger.Debug().
		Str("type", string(ev.Type)).
		Str("message", ev.Message).
		Msg("Dismissing JS dialog")
	if err := chromedp.Run(ctx, page.HandleJavaScriptDialog(false)); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("Failed to dismiss dialog")
	}
}

func isAdHost(rawURL string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	for _, blocked := range adblockHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}
