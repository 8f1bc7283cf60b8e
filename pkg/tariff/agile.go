package tariff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/helioplan/helioplan/pkg/common"
	"github.com/helioplan/helioplan/pkg/log"
	"github.com/helioplan/helioplan/pkg/timeseries"
)

// Agile fetches half-hourly unit rates from an agile-tariff HTTP API and
// expands them onto the 5-minute grid. Results are cached for one fetch
// interval so re-plans don't hammer the API.
type Agile struct {
	importURL      string
	exportURL      string
	standingCharge float64
	client         *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedImport  []ratePeriod
	cachedExport  []ratePeriod
}

// ratePeriod is one half-hour price from the feed.
type ratePeriod struct {
	start time.Time
	end   time.Time
	rate  float64
}

// ConfiguredAgile sets up flags for the agile tariff feed and returns the
// instance.
func ConfiguredAgile() *Agile {
	a := &Agile{
		client: common.HTTPClient(10 * time.Second),
	}
	importURL := lflag.String("tariff-import-url", "", "URL for the import unit-rate feed")
	exportURL := lflag.String("tariff-export-url", "", "URL for the export unit-rate feed (optional)")
	standing := lflag.Float64("tariff-standing-charge", 0, "Daily standing charge")

	lflag.Do(func() {
		a.importURL = *importURL
		a.exportURL = *exportURL
		a.standingCharge = *standing
	})
	return a
}

// Validate ensures the configuration is valid.
func (a *Agile) Validate() error {
	if a.importURL == "" {
		return fmt.Errorf("tariff-import-url is required")
	}
	if _, err := url.Parse(a.importURL); err != nil {
		return fmt.Errorf("failed to parse tariff import url (%s): %w", a.importURL, err)
	}
	if a.exportURL != "" {
		if _, err := url.Parse(a.exportURL); err != nil {
			return fmt.Errorf("failed to parse tariff export url (%s): %w", a.exportURL, err)
		}
	}
	return nil
}

// agileRateEntry is the feed's JSON shape for one period.
type agileRateEntry struct {
	ValidFrom   time.Time `json:"valid_from"`
	ValidTo     time.Time `json:"valid_to"`
	ValueIncVAT float64   `json:"value_inc_vat"`
}

type agileResponse struct {
	Results []agileRateEntry `json:"results"`
}

// Rates implements Provider.
func (a *Agile) Rates(ctx context.Context, grid timeseries.Grid, now time.Time) (timeseries.Series, timeseries.Series, float64, error) {
	imp, exp, err := a.fetch(ctx, now, grid)
	if err != nil {
		return nil, nil, 0, err
	}

	midnight := midnightOf(now)
	impSeries := expand(imp, grid, midnight)
	var expSeries timeseries.Series
	if exp != nil {
		expSeries = expand(exp, grid, midnight)
	} else {
		expSeries = timeseries.Fill(grid.Steps(), 0)
	}
	return impSeries, expSeries, a.standingCharge, nil
}

// fetch retrieves both feeds, reusing the cache within a 5-minute block.
func (a *Agile) fetch(ctx context.Context, now time.Time, grid timeseries.Grid) ([]ratePeriod, []ratePeriod, error) {
	a.mu.Lock()
	if !a.lastFetchTime.IsZero() && !now.Truncate(5*time.Minute).After(a.lastFetchTime) {
		imp, exp := a.cachedImport, a.cachedExport
		a.mu.Unlock()
		return imp, exp, nil
	}
	a.mu.Unlock()

	start := midnightOf(now)
	end := start.Add(time.Duration(grid.MinutesNow+grid.ForecastMinutes) * time.Minute)

	imp, err := a.fetchFeed(ctx, a.importURL, start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch import rates: %w", err)
	}
	var exp []ratePeriod
	if a.exportURL != "" {
		exp, err = a.fetchFeed(ctx, a.exportURL, start, end)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch export rates: %w", err)
		}
	}

	a.mu.Lock()
	a.cachedImport = imp
	a.cachedExport = exp
	a.lastFetchTime = now.Truncate(5 * time.Minute)
	a.mu.Unlock()
	return imp, exp, nil
}

func (a *Agile) fetchFeed(ctx context.Context, feedURL string, start, end time.Time) ([]ratePeriod, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	params := u.Query()
	params.Set("period_from", start.UTC().Format(time.RFC3339))
	params.Set("period_to", end.UTC().Format(time.RFC3339))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching tariff rates", slog.String("url", u.String()))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tariff api returned status: %d", resp.StatusCode)
	}

	var data agileResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched tariff rates", slog.Int("count", len(data.Results)))

	periods := make([]ratePeriod, 0, len(data.Results))
	for _, e := range data.Results {
		// feed prices are pence or cents per kWh, keep currency/kWh
		periods = append(periods, ratePeriod{
			start: e.ValidFrom,
			end:   e.ValidTo,
			rate:  e.ValueIncVAT / 100,
		})
	}
	return periods, nil
}

// expand projects the half-hourly periods onto the grid. Slots not covered
// by any period carry the last known rate so short feed gaps don't zero the
// plan.
func expand(periods []ratePeriod, grid timeseries.Grid, midnight time.Time) timeseries.Series {
	out := make(timeseries.Series, grid.Steps())
	var lastRate float64
	for i := range out {
		slotStart := midnight.Add(time.Duration(i*timeseries.Step) * time.Minute)
		for _, p := range periods {
			if !slotStart.Before(p.start) && slotStart.Before(p.end) {
				lastRate = p.rate
				break
			}
		}
		out[i] = lastRate
	}
	return out
}
