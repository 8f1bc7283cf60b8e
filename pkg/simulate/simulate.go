// Package simulate is the planner's inner loop: a deterministic
// minute-resolution forward simulation of one schedule against one input
// bundle. It is called thousands of times per plan, so it allocates only its
// result and never touches shared state.
package simulate

import (
	"math"

	"github.com/helioplan/helioplan/pkg/schedule"
	"github.com/helioplan/helioplan/pkg/timeseries"
)

// Result is what one simulator call returns. Totals cover minutes before
// endRecord; PredictSOC covers the whole horizon.
type Result struct {
	// Metric is the total currency outcome: import cost minus export
	// revenue minus diverter credit, plus the keep-margin penalty.
	Metric float64 `json:"metric"`
	// Cost is Metric without the keep penalty: grid cost minus export
	// revenue minus diverter credit.
	Cost       float64 `json:"cost"`
	MetricKeep float64 `json:"metricKeep"`

	ImportKWHBattery float64 `json:"importKWHBattery"`
	ImportKWHHouse   float64 `json:"importKWHHouse"`
	ExportKWH        float64 `json:"exportKWH"`

	SOCMin       float64 `json:"socMin"`
	SOCMinMinute int     `json:"socMinMinute"`
	FinalSOC     float64 `json:"finalSOC"`

	BatteryCycleKWH float64 `json:"batteryCycleKWH"`

	IBoostKWH     float64 `json:"iboostKWH"`
	IBoostRunning bool    `json:"iboostRunning"`

	CarbonG    float64 `json:"carbonG"`
	ClippedKWH float64 `json:"clippedKWH"`

	FinalCarSOC []float64 `json:"finalCarSOC,omitempty"`

	// PredictSOC is the SOC at the end of each simulated step, full horizon.
	PredictSOC []float64 `json:"predictSOC"`

	// SOCMinBelowReserve flags a horizon whose SOCMin (starting SOC included)
	// is at or below reserve.
	SOCMinBelowReserve bool `json:"socMinBelowReserve"`
}

// Run simulates the schedule against the inputs. scenario picks the PV
// vector, endRecord limits which minutes contribute to the returned totals,
// step is the simulation step in minutes (a multiple of the grid step).
// lowPower enables the low-power charge-rate search; only the final accepted
// schedule is simulated with it, exploratory runs pass false.
func Run(in *Inputs, s *schedule.Schedule, scenario Scenario, endRecord, step int, lowPower bool) *Result {
	g := in.Tables.Grid
	m := in.Battery
	pv := in.Tables.PVCentral
	if scenario == ScenarioP10 {
		pv = in.Tables.PV10
	}

	soc := RoundSOC(in.SOCNow)
	res := &Result{
		SOCMin:     soc,
		PredictSOC: make([]float64, 0, g.ForecastMinutes/step+1),
	}

	carSOC := make([]float64, len(in.Cars))
	for i, c := range in.Cars {
		carSOC[i] = c.SOCKWH
	}

	stepH := float64(step) / 60.0
	invLimitSlot := in.InverterLimitKW * stepH
	expLimitSlot := in.ExportLimitKW * stepH

	iboostToday := in.IBoost.TodayKWH
	fourHour := true
	lastLowRate := 0.0

	for minute := 0; minute < g.ForecastMinutes; minute += step {
		absMin := g.MinutesNow + minute
		idx := g.Index(minute)
		record := minute < endRecord

		if in.IBoost.Enable && absMin%timeseries.MinutesPerDay == 0 && minute > 0 {
			iboostToday = 0
		}

		rateImport := in.Tables.SlotMean(in.Tables.RateImport, minute, step)
		rateExport := in.Tables.SlotMean(in.Tables.RateExport, minute, step)
		temp := in.TempNow
		if len(in.Tables.BatteryTemperature) > 0 {
			temp = in.Tables.BatteryTemperature[idx]
		}

		loadKWH := in.Tables.SlotEnergy(in.Tables.Load, minute, step)
		for ci := range in.Cars {
			c := &in.Cars[ci]
			if len(c.PlannedCharge) == 0 {
				continue
			}
			want := in.Tables.SlotEnergy(c.PlannedCharge, minute, step)
			if headroom := c.LimitKWH - carSOC[ci]; want > headroom {
				want = headroom
			}
			if want > 0 {
				carSOC[ci] += want
				loadKWH += want
			}
		}
		pvKWH := in.Tables.SlotEnergy(pv, minute, step)

		cwi := s.ChargeWindowAt(absMin)
		ewi := s.ExportWindowAt(absMin)

		exportLimit := 100.0
		if ewi >= 0 {
			exportLimit = s.ExportLimits[ewi]
			if in.Toggles.SetExportFreezeOnly && exportLimit < schedule.ExportFreeze {
				exportLimit = schedule.ExportFreeze
			}
		}

		chargeSetting := m.RateMaxChargeKW
		dischargeSetting := m.RateMaxDischargeKW

		var target float64
		chargeFreeze := false
		if cwi >= 0 {
			target = s.ChargeLimits[cwi]
			chargeFreeze = in.Toggles.SetChargeFreeze && target <= m.ReserveMin+1e-9
			if !in.Toggles.SetDischargeDuringCharge || soc >= target-0.01*m.SOCMax {
				dischargeSetting = 0
			}
			if chargeFreeze {
				chargeSetting = 0
				dischargeSetting = 0
			}
		}

		exportFreeze := ewi >= 0 && exportLimit == schedule.ExportFreeze
		if exportFreeze && in.Toggles.SetExportFreeze {
			// the inverter holds SOC during a freeze
			chargeSetting = 0
			dischargeSetting = 0
		}

		reserveEff := m.ReserveMin
		if in.Toggles.SetReserveEnable && cwi >= 0 && !chargeFreeze && soc >= target {
			reserveEff = target
		}

		floorKWH := 0.0
		forcedExport := false
		if ewi >= 0 && exportLimit < schedule.ExportFreeze {
			floorKWH = exportLimit / 100 * m.SOCMax
			if floorKWH < m.ReserveMin {
				floorKWH = m.ReserveMin
			}
			forcedExport = soc > floorKWH+1e-9
		}

		// draw is the useful battery energy this slot (+discharge, -charge),
		// battAC its AC-side footprint, pvAC the solar delivered to AC.
		var draw, battAC, pvAC, clipped float64

		switch {
		case forcedExport:
			fourHour = false
			maxDraw := m.DischargeRate(soc, dischargeSetting, temp) * float64(step)
			draw = (soc - floorKWH) * m.LossDischarge
			if draw > maxDraw {
				draw = maxDraw
			}
			battAC = draw * in.InverterLoss
			pvAC = pvKWH * in.InverterLoss

			// export-limit clip first: back off the forced discharge, then
			// divert or curtail solar
			export := battAC + pvAC - loadKWH
			if excess := export - expLimitSlot; excess > 0 {
				back := math.Min(battAC, excess)
				battAC -= back
				draw = battAC / in.InverterLoss
				excess -= back
				if excess > 0 && in.InverterHybrid && in.Toggles.InverterCanChargeDuringExport {
					divert := excess / in.InverterLoss
					if cap := m.ChargeRate(soc, m.RateMaxChargeKW, temp) * float64(step); divert > cap {
						divert = cap
					}
					if headroom := (m.SOCMax - soc) / m.Loss; divert > headroom {
						divert = headroom
					}
					if divert > 0 {
						draw -= divert
						pvAC -= divert * in.InverterLoss
						excess -= divert * in.InverterLoss
					}
				}
				if excess > 0 {
					pvAC -= excess
					clipped += excess
				}
			}

			// inverter AC limit
			if total := battAC + pvAC; total > invLimitSlot {
				over := total - invLimitSlot
				back := math.Min(battAC, over)
				battAC -= back
				if draw > 0 {
					draw = battAC / in.InverterLoss
				}
				over -= back
				if over > 0 {
					pvAC -= over
					clipped += over
				}
			}

		case cwi >= 0 && !chargeFreeze && soc < target-1e-9:
			rateSetting := chargeSetting
			if lowPower && in.Toggles.SetChargeLowPower {
				remaining := s.ChargeWindows[cwi].End - absMin
				rateSetting = m.FindChargeRate(remaining, soc, target, temp, lastLowRate)
				lastLowRate = rateSetting
			}
			fullSlot := m.ChargeRate(soc, rateSetting, temp) * float64(step)
			chargeKWH := fullSlot
			if need := (target - soc) / m.Loss; chargeKWH > need {
				chargeKWH = need
			}
			draw = -chargeKWH

			var pvToBatt float64
			if in.InverterHybrid {
				pvToBatt = math.Min(pvKWH, chargeKWH)
			}
			gridToBatt := chargeKWH - pvToBatt
			battAC = -gridToBatt / in.InverterLoss
			pvAC = (pvKWH - pvToBatt) * in.InverterLoss

			// a final quantised slice that needs a grid pull counts against
			// the keep metric, so the optimiser prefers windows that finish
			// cleanly
			if record && chargeKWH > 0 && chargeKWH < fullSlot-1e-9 && gridToBatt > 0 {
				res.MetricKeep += gridToBatt / in.InverterLoss * rateImport
			}

			if pvAC > invLimitSlot {
				clipped += pvAC - invLimitSlot
				pvAC = invLimitSlot
			}
			if export := battAC + pvAC - loadKWH; export > expLimitSlot {
				excess := export - expLimitSlot
				pvAC -= excess
				clipped += excess
			}

		default:
			// ECO: battery follows net load
			pvACFull := pvKWH * in.InverterLoss
			if loadKWH > pvACFull {
				needAC := loadKWH - pvACFull
				draw = needAC / in.InverterLoss
				if maxDraw := m.DischargeRate(soc, dischargeSetting, temp) * float64(step); draw > maxDraw {
					draw = maxDraw
				}
				if headroom := (soc - reserveEff) * m.LossDischarge; draw > headroom {
					draw = headroom
				}
				if draw < 0 {
					draw = 0
				}
				battAC = draw * in.InverterLoss
				pvAC = pvACFull
			} else {
				chargeCap := m.ChargeRate(soc, chargeSetting, temp) * float64(step)
				if headroom := (m.SOCMax - soc) / m.Loss; chargeCap > headroom {
					chargeCap = headroom
				}
				if chargeCap < 0 {
					chargeCap = 0
				}
				if in.InverterHybrid {
					surplusDC := pvKWH - loadKWH/in.InverterLoss
					chargeKWH := math.Min(surplusDC, chargeCap)
					if chargeKWH < 0 {
						chargeKWH = 0
					}
					draw = -chargeKWH
					pvAC = (pvKWH - chargeKWH) * in.InverterLoss
					battAC = 0
				} else {
					surplusAC := pvACFull - loadKWH
					chargeKWH := math.Min(surplusAC*in.InverterLoss, chargeCap)
					if chargeKWH < 0 {
						chargeKWH = 0
					}
					draw = -chargeKWH
					battAC = -chargeKWH / in.InverterLoss
					pvAC = pvACFull
				}
			}

			if total := pvAC + math.Max(battAC, 0); total > invLimitSlot {
				over := total - invLimitSlot
				pvAC -= over
				clipped += over
			}
			if export := battAC + pvAC - loadKWH; export > expLimitSlot {
				excess := export - expLimitSlot
				pvAC -= excess
				clipped += excess
			}
		}

		// hot-water diverter: soak up export before it reaches the grid
		if in.IBoost.Enable && iboostToday < in.IBoost.MaxEnergyKWH {
			export := battAC + pvAC - loadKWH
			if export > 0 {
				eligible := (forcedExport && in.IBoost.OnExport) || (!forcedExport && in.IBoost.Solar)
				if eligible {
					divert := math.Min(export, in.IBoost.MaxPowerKW*stepH)
					if cap := in.IBoost.MaxEnergyKWH - iboostToday; divert > cap {
						divert = cap
					}
					if divert > 0 {
						loadKWH += divert
						iboostToday += divert
						if record {
							res.IBoostKWH += divert
							res.Cost -= divert * in.IBoost.ValuePerKWH
							res.IBoostRunning = minute == 0 || res.IBoostRunning
						}
					}
				}
			}
		}

		diff := loadKWH - battAC - pvAC

		// SOC update: losses inflate discharge and shrink charge
		if draw > 0 {
			soc -= draw / m.LossDischarge
		} else {
			soc -= draw * m.Loss
		}
		if soc < reserveEff {
			soc = reserveEff
		} else if soc > m.SOCMax {
			soc = m.SOCMax
		}
		soc = RoundSOC(soc)

		if record {
			if diff > 0 {
				res.Cost += diff * rateImport
				battShare := 0.0
				if battAC < 0 {
					battShare = math.Min(diff, -battAC)
				}
				res.ImportKWHBattery += battShare
				res.ImportKWHHouse += diff - battShare
				if in.CarbonEnable && len(in.Tables.CarbonIntensity) > 0 {
					res.CarbonG += diff * in.Tables.CarbonIntensity[idx]
				}
			} else if diff < 0 {
				res.Cost -= -diff * rateExport
				res.ExportKWH += -diff
				if in.CarbonEnable && len(in.Tables.CarbonIntensity) > 0 {
					res.CarbonG -= -diff * in.Tables.CarbonIntensity[idx]
				}
			}
			res.BatteryCycleKWH += math.Abs(draw)
			res.ClippedKWH += clipped

			keep := in.BestSOCKeep
			scale := in.BestSOCKeepWeight
			if fourHour && minute < 256 {
				scale = in.BestSOCKeepWeight * float64(minute) / 256
			}
			if len(in.Tables.AlertKeep) > 0 {
				if alert := in.Tables.AlertKeep[idx]; alert > 0 {
					if alert > keep {
						keep = alert
					}
					if scale < 2.0 {
						scale = 2.0
					}
				}
			}
			if soc < keep {
				res.MetricKeep += (keep - soc) * rateImport * scale * stepH
			}

			if soc < res.SOCMin {
				res.SOCMin = soc
				res.SOCMinMinute = minute
			}
		}

		res.PredictSOC = append(res.PredictSOC, soc)
	}

	res.FinalSOC = soc
	res.Metric = res.Cost + res.MetricKeep
	res.SOCMinBelowReserve = res.SOCMin <= m.ReserveMin+1e-6
	if len(in.Cars) > 0 {
		res.FinalCarSOC = carSOC
	}
	return res
}
