package battery

import "github.com/cepro/homepower/modbusaccess"

// Register layout is grounded on the teacher's powerpack/registers.go
// Tesla PowerPack map, trimmed to the metrics this controller actually
// consumes (SoC, temperature, target power) and the direct real
// power command block used to issue setpoints.
var statusBlock = modbusaccess.RegisterBlock{
	Name:         "Status",
	StartAddr:    200,
	NumRegisters: 12,
	Registers: map[string]modbusaccess.Register{
		"SoC": {
			StartAddr: 200,
			DataType:  modbusaccess.Int16Type,
		},
		"TempC": {
			StartAddr: 201,
			DataType:  modbusaccess.Int16Type,
		},
		"BatteryTargetP": {
			StartAddr: 202,
			DataType:  modbusaccess.Int32Type,
		},
	},
}

var directRealPowerCommandBlock = modbusaccess.RegisterBlock{
	Name:         "DirectRealPowerCommand",
	StartAddr:    300,
	NumRegisters: 6,
	Registers: map[string]modbusaccess.Register{
		"Heartbeat": {
			StartAddr: 300,
			DataType:  modbusaccess.Uint16Type,
		},
		"Power": {
			StartAddr: 301,
			DataType:  modbusaccess.Int32Type,
		},
		"Timeout": {
			StartAddr: 303,
			DataType:  modbusaccess.Uint16Type,
		},
	},
}
