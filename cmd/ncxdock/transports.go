package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/newtonresearch/newton-connection/config"
	"github.com/newtonresearch/newton-connection/transport"
)

// buildTransports returns one transport per medium enabled in cfg, in the
// order TCP, serial, Bluetooth, simulator.
func buildTransports(cfg *config.Config) []transport.Transport {
	var transports []transport.Transport

	if cfg.TCPEnabled {
		var opts []transport.TCPOption
		if cfg.Advertise {
			opts = append(opts, transport.WithAdvertising(cfg.ServiceName))
		}
		transports = append(transports, transport.NewTCPTransport(fmt.Sprintf(":%d", cfg.TCPPort), opts...))
	}
	if cfg.SerialPort != "" {
		transports = append(transports, transport.NewSerialTransport(cfg.SerialPort, cfg.BaudRate))
	}
	if cfg.BluetoothChannel > 0 {
		transports = append(transports, transport.NewBluetoothTransport(uint8(cfg.BluetoothChannel)))
	}
	if cfg.SimulatorAddr != "" {
		transports = append(transports, transport.NewSimulatorTransport(cfg.SimulatorAddr))
	}

	names := make([]string, 0, len(transports))
	for _, t := range transports {
		names = append(names, t.Name())
	}
	logrus.WithFields(logrus.Fields{
		"function":   "buildTransports",
		"transports": names,
	}).Debug("Transports configured")

	return transports
}
