package main

import (
	"github.com/spf13/cobra"
)

// simulatePort matches the gateway's default upstream port, so serve and
// simulate work together out of the box.
const simulatePort = 5020

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a standalone Modbus/TCP slave backed by the local tables",
	Long: `Run the gateway engine with nothing forwarded. Every read is answered from
the local tables, optionally seeded from a YAML file:

  holding_registers:
    - address: 0
      values: [10, 20, 30]
  coils:
    - address: 16
      values: [true, false, true]

By default it listens on port 5020, the default upstream port of serve.`,
	Example: `  # Slave for trying the gateway locally
  modbus-gateway simulate --seed seed.yaml &
  modbus-gateway serve --listen-port 1502`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, listenerKeys)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := listenerConfig()
		cfg.Forward = nil
		return run(cfg, listenerOptions())
	},
}

func init() {
	addListenerFlags(simulateCmd.Flags(), simulatePort)
}
