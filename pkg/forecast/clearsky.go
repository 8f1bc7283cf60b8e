package forecast

import (
	"context"
	"math"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/sixdouglas/suncalc"

	"github.com/helioplan/helioplan/pkg/timeseries"
)

// ClearSky estimates PV generation from solar geometry: array size scaled by
// the sine of the sun's altitude, derated for average cloud cover. It is a
// deliberately simple fallback; a real forecast service drops in behind the
// same interface.
type ClearSky struct {
	latitude  float64
	longitude float64
	arrayKWP  float64
	// derate scales clear-sky output for average conditions.
	derate float64
	// p10Factor scales the central forecast down to the pessimistic case.
	p10Factor float64
}

// ConfiguredClearSky sets up the clear-sky solar model from flags.
func ConfiguredClearSky() *ClearSky {
	c := &ClearSky{}
	lat := lflag.Float64("site-latitude", 0, "Site latitude in degrees")
	lng := lflag.Float64("site-longitude", 0, "Site longitude in degrees")
	kwp := lflag.Float64("pv-array-kwp", 0, "Installed PV array size in kWp")
	derate := lflag.Float64("pv-derate", 0.7, "Clear-sky derating factor for average conditions")
	p10 := lflag.Float64("pv-p10-factor", 0.35, "Fraction of the central forecast used for the 10% scenario")

	lflag.Do(func() {
		c.latitude = *lat
		c.longitude = *lng
		c.arrayKWP = *kwp
		c.derate = *derate
		c.p10Factor = *p10
	})
	return c
}

// NewClearSky builds the model directly, used by tests and embedding.
func NewClearSky(latitude, longitude, arrayKWP, derate, p10Factor float64) *ClearSky {
	return &ClearSky{
		latitude:  latitude,
		longitude: longitude,
		arrayKWP:  arrayKWP,
		derate:    derate,
		p10Factor: p10Factor,
	}
}

// PVForecast implements SolarProvider.
func (c *ClearSky) PVForecast(_ context.Context, grid timeseries.Grid, now time.Time) (timeseries.Series, timeseries.Series, error) {
	midnight := midnightOf(now)
	n := grid.Steps()
	central := make(timeseries.Series, n)
	p10 := make(timeseries.Series, n)

	for i := 0; i < n; i++ {
		// sample the middle of the slot
		t := midnight.Add(time.Duration(i*timeseries.Step)*time.Minute + timeseries.Step*time.Minute/2)
		pos := suncalc.GetPosition(t, c.latitude, c.longitude)
		elevation := math.Sin(pos.Altitude)
		if elevation <= 0 {
			continue
		}
		powerKW := c.arrayKWP * elevation * c.derate
		kwh := powerKW * timeseries.Step / 60.0
		central[i] = kwh
		p10[i] = kwh * c.p10Factor
	}
	return central, p10, nil
}
