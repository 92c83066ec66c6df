package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/chromedp/chromedp"
)

func newProfileDir() (string, error) {
	return os.MkdirTemp("", "llamatrack-chrome-")
}

const protocolPageBase = "https://defillama.com/protocol/"

// PageMetrics holds the raw metric strings scraped from the rendered
// protocol page. Values look like "$1.2b" or "$340.5m" and are parsed
// downstream; an absent metric is an empty string.
type PageMetrics struct {
	MarketCap     string `json:"market_cap"`
	AnnualRevenue string `json:"annual_revenue"`
}

// PageScraper extracts metrics that only exist on the JS-rendered protocol
// page (no JSON API) via headless Chrome.
type PageScraper struct {
	logger *slog.Logger
}

func NewPageScraper(logger *slog.Logger) *PageScraper {
	return &PageScraper{logger: logger}
}

// Scrape loads the protocol page for slug and pulls the market cap and
// annualized revenue figures out of the stats panel.
func (p *PageScraper) Scrape(ctx context.Context, slug string) (*PageMetrics, error) {
	// One profile per scrape: concurrent Chrome instances sharing a
	// user-data-dir trip the profile lock.
	profileDir, err := newProfileDir()
	if err != nil {
		return nil, fmt.Errorf("chrome profile dir: %w", err)
	}
	defer os.RemoveAll(profileDir)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-crash-reporter", true),
		chromedp.Flag("crash-dumps-dir", "/tmp"),
		chromedp.UserDataDir(profileDir),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	cctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	cctx, cancel = context.WithTimeout(cctx, 60*time.Second)
	defer cancel()

	pageURL := protocolPageBase + url.PathEscape(slug)
	var resultJSON string
	if err := chromedp.Run(cctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(`main`, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(extractMetricsJS, &resultJSON),
	); err != nil {
		return nil, &TransientError{URL: pageURL, Err: fmt.Errorf("chromedp: %w", err)}
	}

	var m PageMetrics
	if err := json.Unmarshal([]byte(resultJSON), &m); err != nil {
		return nil, fmt.Errorf("parse page metrics: %w", err)
	}
	if m.MarketCap == "" && m.AnnualRevenue == "" {
		p.logger.Warn("protocol page yielded no metrics", "slug", slug)
	}
	return &m, nil
}

// extractMetricsJS is evaluated in the browser to pull labelled dollar
// figures from the stats panel. The page markup shifts between deploys, so
// it matches on label text instead of a fixed DOM path.
const extractMetricsJS = `
(() => {
	const out = { market_cap: '', annual_revenue: '' };
	const grab = (el) => {
		const spans = el.querySelectorAll('span');
		return spans.length >= 2 ? (spans[spans.length - 1].textContent || '').trim() : '';
	};
	document.querySelectorAll('main p, main summary').forEach(el => {
		const label = (el.textContent || '').toLowerCase();
		if (!out.market_cap && label.includes('market cap')) out.market_cap = grab(el);
		if (!out.annual_revenue && label.includes('revenue') && label.includes('annual')) out.annual_revenue = grab(el);
	});
	return JSON.stringify(out);
})()
`
