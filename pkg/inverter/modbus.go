package inverter

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/goburrow/modbus"
	"github.com/levenlabs/go-lflag"

	"github.com/helioplan/helioplan/pkg/log"
	"github.com/helioplan/helioplan/pkg/types"
)

// Register map. All values big-endian. Energies are 0.01 kWh units, powers
// 0.01 kW, temperatures 0.1 C signed.
const (
	regSOC          = 30000 // u32, 0.01 kWh
	regSOCMax       = 30002 // u32, 0.01 kWh
	regReserveMin   = 30004 // u32, 0.01 kWh
	regBatteryTemp  = 30006 // s16, 0.1 C
	regRateCharge   = 30007 // u16, 0.01 kW
	regRateDis      = 30008 // u16, 0.01 kW
	regInvLimit     = 30009 // u16, 0.01 kW
	regExpLimit     = 30010 // u16, 0.01 kW
	regHybrid       = 30011 // u16, 0/1
	regImportToday  = 30012 // u32, 0.01 kWh
	regExportToday  = 30014 // u32, 0.01 kWh
	regLoadToday    = 30016 // u32, 0.01 kWh
	regPVToday      = 30018 // u32, 0.01 kWh
	stateRegisters  = 20
	regChargeEnable = 40000 // u16, 0/1
	regExportEnable = 40001 // u16, 0/1
	// window banks: 4 registers per slot (start min, end min, limit, active)
	regChargeBank = 40010
	regExportBank = 40030
	// windowSlots is how many windows each bank holds.
	windowSlots = 4
)

// Modbus drives an inverter over Modbus TCP or RTU. Connections are dialed
// per operation; reads and writes are short and the planner cadence is slow.
type Modbus struct {
	tcpAddress string
	rtuDevice  string
	baudRate   int
	slaveID    byte
	timeout    time.Duration
}

// ConfiguredModbus sets up the Modbus inverter driver from flags.
func ConfiguredModbus() *Modbus {
	m := &Modbus{}
	tcp := lflag.String("inverter-modbus-address", "", "Inverter Modbus TCP address (host:port)")
	device := lflag.String("inverter-modbus-device", "", "Inverter Modbus RTU serial device")
	baud := lflag.Int("inverter-modbus-baud", 9600, "Inverter Modbus RTU baud rate")
	slave := lflag.Int("inverter-modbus-slave", 1, "Inverter Modbus slave ID")
	timeout := lflag.Duration("inverter-modbus-timeout", 2*time.Second, "Inverter Modbus request timeout")

	lflag.Do(func() {
		m.tcpAddress = *tcp
		m.rtuDevice = *device
		m.baudRate = *baud
		m.slaveID = byte(*slave)
		m.timeout = *timeout
	})
	return m
}

// Validate ensures one transport is configured.
func (m *Modbus) Validate() error {
	if m.tcpAddress == "" && m.rtuDevice == "" {
		return fmt.Errorf("inverter-modbus-address or inverter-modbus-device is required")
	}
	if m.tcpAddress != "" && m.rtuDevice != "" {
		return fmt.Errorf("inverter-modbus-address and inverter-modbus-device are mutually exclusive")
	}
	return nil
}

type closableClient struct {
	modbus.Client
	close func() error
}

func (m *Modbus) connect() (*closableClient, error) {
	if m.tcpAddress != "" {
		handler := modbus.NewTCPClientHandler(m.tcpAddress)
		handler.SlaveId = m.slaveID
		handler.Timeout = m.timeout
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", m.tcpAddress, err)
		}
		return &closableClient{Client: modbus.NewClient(handler), close: handler.Close}, nil
	}
	handler := modbus.NewRTUClientHandler(m.rtuDevice)
	handler.BaudRate = m.baudRate
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.SlaveId = m.slaveID
	handler.Timeout = m.timeout
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", m.rtuDevice, err)
	}
	return &closableClient{Client: modbus.NewClient(handler), close: handler.Close}, nil
}

// ReadState implements Controller.
func (m *Modbus) ReadState(ctx context.Context) (State, error) {
	client, err := m.connect()
	if err != nil {
		return State{}, err
	}
	defer client.close()

	raw, err := client.ReadHoldingRegisters(regSOC, stateRegisters)
	if err != nil {
		return State{}, fmt.Errorf("failed to read state registers: %w", err)
	}
	if len(raw) < stateRegisters*2 {
		return State{}, fmt.Errorf("short register read: %d bytes", len(raw))
	}

	at := func(reg int) []byte {
		off := (reg - regSOC) * 2
		return raw[off:]
	}
	st := State{
		SOCKWH:             float64(binary.BigEndian.Uint32(at(regSOC))) / 100,
		SOCMaxKWH:          float64(binary.BigEndian.Uint32(at(regSOCMax))) / 100,
		ReserveMinKWH:      float64(binary.BigEndian.Uint32(at(regReserveMin))) / 100,
		BatteryTempC:       float64(int16(binary.BigEndian.Uint16(at(regBatteryTemp)))) / 10,
		RateMaxChargeKW:    float64(binary.BigEndian.Uint16(at(regRateCharge))) / 100,
		RateMaxDischargeKW: float64(binary.BigEndian.Uint16(at(regRateDis))) / 100,
		InverterLimitKW:    float64(binary.BigEndian.Uint16(at(regInvLimit))) / 100,
		ExportLimitKW:      float64(binary.BigEndian.Uint16(at(regExpLimit))) / 100,
		HybridInverter:     binary.BigEndian.Uint16(at(regHybrid)) == 1,
		ImportTodayKWH:     float64(binary.BigEndian.Uint32(at(regImportToday))) / 100,
		ExportTodayKWH:     float64(binary.BigEndian.Uint32(at(regExportToday))) / 100,
		LoadTodayKWH:       float64(binary.BigEndian.Uint32(at(regLoadToday))) / 100,
		PVTodayKWH:         float64(binary.BigEndian.Uint32(at(regPVToday))) / 100,
	}
	log.Ctx(ctx).DebugContext(ctx, "read inverter state",
		slog.Float64("socKWH", st.SOCKWH),
		slog.Float64("tempC", st.BatteryTempC),
	)
	return st, nil
}

// Apply implements Controller. The full desired window set is reprogrammed
// whenever the delta touches a bank: the banks are small and idempotent
// writes are simpler than tracking per-slot diffs on the wire.
func (m *Modbus) Apply(ctx context.Context, delta types.ScheduleDelta) error {
	if delta.Empty() {
		return nil
	}
	client, err := m.connect()
	if err != nil {
		return err
	}
	defer client.close()

	if len(delta.ChargeSet) > 0 || len(delta.ChargeCleared) > 0 {
		if err := writeBank(client, regChargeBank, delta.ChargeSet, chargeLimitUnits); err != nil {
			return fmt.Errorf("failed to write charge windows: %w", err)
		}
	}
	if len(delta.ExportSet) > 0 || len(delta.ExportCleared) > 0 {
		if err := writeBank(client, regExportBank, delta.ExportSet, exportLimitUnits); err != nil {
			return fmt.Errorf("failed to write export windows: %w", err)
		}
	}

	if err := writeFlag(client, regChargeEnable, delta.ChargeEnable); err != nil {
		return fmt.Errorf("failed to write charge enable: %w", err)
	}
	if err := writeFlag(client, regExportEnable, delta.ExportEnable); err != nil {
		return fmt.Errorf("failed to write export enable: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "applied schedule delta",
		slog.Int("chargeSet", len(delta.ChargeSet)),
		slog.Int("chargeCleared", len(delta.ChargeCleared)),
		slog.Int("exportSet", len(delta.ExportSet)),
		slog.Int("exportCleared", len(delta.ExportCleared)),
	)
	return nil
}

// chargeLimitUnits encodes a charge target (kWh) as 0.01 kWh units.
func chargeLimitUnits(limit float64) uint16 {
	return uint16(limit * 100)
}

// exportLimitUnits encodes an export floor (SOC percent) directly.
func exportLimitUnits(limit float64) uint16 {
	return uint16(limit)
}

func writeBank(client *closableClient, base uint16, directives []types.WindowDirective, units func(float64) uint16) error {
	if len(directives) > windowSlots {
		// program the earliest windows; the plan is re-applied every cycle
		// so later windows land once earlier ones pass
		directives = directives[:windowSlots]
	}
	buf := make([]byte, windowSlots*4*2)
	for i, d := range directives {
		off := i * 8
		binary.BigEndian.PutUint16(buf[off:], uint16(d.Window.Start))
		binary.BigEndian.PutUint16(buf[off+2:], uint16(d.Window.End))
		binary.BigEndian.PutUint16(buf[off+4:], units(d.Limit))
		binary.BigEndian.PutUint16(buf[off+6:], 1)
	}
	_, err := client.WriteMultipleRegisters(base, windowSlots*4, buf)
	return err
}

func writeFlag(client *closableClient, reg uint16, on bool) error {
	v := uint16(0)
	if on {
		v = 1
	}
	_, err := client.WriteSingleRegister(reg, v)
	return err
}

var _ Controller = (*Modbus)(nil)
