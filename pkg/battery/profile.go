package battery

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the on-disk description of a battery's curves. Power curves map
// integer SOC percent to a fraction of the maximum rate; temperature curves
// map integer degrees C to a kWh-per-minute cap. Sparse maps are fine:
// unlisted power cells default to 1.0 and unlisted temperature cells fall
// back to the nearest listed neighbour at lookup time.
type Profile struct {
	Name string `yaml:"name"`

	ChargePowerCurve    map[int]float64 `yaml:"charge_power_curve"`
	DischargePowerCurve map[int]float64 `yaml:"discharge_power_curve"`
	TempChargeCurve     map[int]float64 `yaml:"temp_charge_curve"`
	TempDischargeCurve  map[int]float64 `yaml:"temp_discharge_curve"`
}

// LoadProfile reads a YAML battery profile and returns its curves.
// An empty path returns FlatCurves.
func LoadProfile(path string) (Curves, error) {
	if path == "" {
		return FlatCurves(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Curves{}, fmt.Errorf("failed to read battery profile (%s): %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Curves{}, fmt.Errorf("failed to parse battery profile (%s): %w", path, err)
	}
	return p.Curves()
}

// Curves converts the profile into lookup tables.
func (p Profile) Curves() (Curves, error) {
	c := FlatCurves()
	if err := fillPowerCurve(&c.ChargePower, p.ChargePowerCurve); err != nil {
		return Curves{}, fmt.Errorf("charge_power_curve: %w", err)
	}
	if err := fillPowerCurve(&c.DischargePower, p.DischargePowerCurve); err != nil {
		return Curves{}, fmt.Errorf("discharge_power_curve: %w", err)
	}
	if err := fillTempCurve(&c.TempCharge, p.TempChargeCurve); err != nil {
		return Curves{}, fmt.Errorf("temp_charge_curve: %w", err)
	}
	if err := fillTempCurve(&c.TempDischarge, p.TempDischargeCurve); err != nil {
		return Curves{}, fmt.Errorf("temp_discharge_curve: %w", err)
	}
	return c, nil
}

func fillPowerCurve(dst *[100]float64, src map[int]float64) error {
	for pct, frac := range src {
		if pct < 0 || pct > 99 {
			return fmt.Errorf("soc percent %d out of range", pct)
		}
		if frac < 0 || frac > 1 {
			return fmt.Errorf("fraction %v at soc %d%% out of range", frac, pct)
		}
		dst[pct] = frac
	}
	return nil
}

func fillTempCurve(dst *[40]float64, src map[int]float64) error {
	for deg, cap := range src {
		if deg < -20 || deg > 19 {
			return fmt.Errorf("temperature %d out of range", deg)
		}
		if cap < 0 {
			return fmt.Errorf("cap %v at %dC is negative", cap, deg)
		}
		dst[deg+20] = cap
	}
	return nil
}
