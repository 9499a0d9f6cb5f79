package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	gateway "github.com/edgeo-scada/modbus-gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway in front of an upstream Modbus/TCP server.

Function codes for --forward may be given as numbers or names:
  1, c, coils
  2, di, discrete-inputs
  3, hr, holding-registers
  4, ir, input-registers

Every flag can also be set in the config file or through the environment,
e.g. MODBUS_GATEWAY_UPSTREAM_HOST or MODBUS_GATEWAY_FORWARD="1 3".`,
	Example: `  # Forward everything to a PLC
  modbus-gateway serve --upstream-host 10.0.0.5 --upstream-port 502

  # Forward input registers, serve the rest locally
  modbus-gateway serve --forward ir --seed seed.yaml --listen-port 1502`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(cmd, listenerKeys); err != nil {
			return err
		}
		return bindFlags(cmd, map[string]string{
			"upstream.host":         "upstream-host",
			"upstream.port":         "upstream-port",
			"upstream.timeout":      "timeout",
			"upstream.dial-timeout": "dial-timeout",
			"forward":               "forward",
		})
	},
	RunE: runServe,
}

func init() {
	defaults := gateway.DefaultConfig()

	f := serveCmd.Flags()
	f.String("upstream-host", defaults.UpstreamHost, "Upstream Modbus/TCP server host")
	f.Int("upstream-port", defaults.UpstreamPort, "Upstream Modbus/TCP server port")
	f.Duration("timeout", defaults.Timeout, "Upstream request timeout, including time spent queued")
	f.Duration("dial-timeout", 0, "Upstream dial timeout (default: --timeout)")
	f.StringSlice("forward", []string{"1", "2", "3", "4"}, "Function codes relayed upstream")
	addListenerFlags(f, defaults.ListenPort)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := listenerConfig()
	cfg.UpstreamHost = viper.GetString("upstream.host")
	cfg.UpstreamPort = viper.GetInt("upstream.port")
	cfg.Timeout = viper.GetDuration("upstream.timeout")
	forward, err := parseForward(viper.GetStringSlice("forward"))
	if err != nil {
		return err
	}
	cfg.Forward = forward

	opts := listenerOptions()
	if d := viper.GetDuration("upstream.dial-timeout"); d > 0 {
		opts = append(opts, gateway.WithDialTimeout(d))
	}
	return run(cfg, opts)
}

// addListenerFlags registers the flags shared by serve and simulate.
func addListenerFlags(f *pflag.FlagSet, port int) {
	defaults := gateway.DefaultConfig()
	tables := gateway.DefaultTableSizes()

	f.String("listen-host", defaults.ListenHost, "Address to accept masters on")
	f.Int("listen-port", port, "Port to accept masters on")
	f.Int("max-conns", 100, "Maximum concurrent master connections")
	f.Duration("idle-timeout", 0, "Drop masters idle this long (0 disables)")
	f.String("seed", "", "YAML file with initial local table contents")
	f.Duration("stats-interval", 0, "Log metrics at this interval (0 disables)")
	f.Int("coils", tables.Coils, "Local coil table size")
	f.Int("discrete-inputs", tables.DiscreteInputs, "Local discrete input table size")
	f.Int("holding-registers", tables.HoldingRegisters, "Local holding register table size")
	f.Int("input-registers", tables.InputRegisters, "Local input register table size")
}

var listenerKeys = map[string]string{
	"listen.host":              "listen-host",
	"listen.port":              "listen-port",
	"max-conns":                "max-conns",
	"idle-timeout":             "idle-timeout",
	"seed":                     "seed",
	"stats-interval":           "stats-interval",
	"tables.coils":             "coils",
	"tables.discrete_inputs":   "discrete-inputs",
	"tables.holding_registers": "holding-registers",
	"tables.input_registers":   "input-registers",
}

func listenerConfig() gateway.Config {
	cfg := gateway.DefaultConfig()
	cfg.ListenHost = viper.GetString("listen.host")
	cfg.ListenPort = viper.GetInt("listen.port")
	cfg.Tables = gateway.TableSizes{
		Coils:            viper.GetInt("tables.coils"),
		DiscreteInputs:   viper.GetInt("tables.discrete_inputs"),
		HoldingRegisters: viper.GetInt("tables.holding_registers"),
		InputRegisters:   viper.GetInt("tables.input_registers"),
	}
	return cfg
}

func listenerOptions() []gateway.Option {
	return []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMaxConnections(viper.GetInt("max-conns")),
		gateway.WithIdleTimeout(viper.GetDuration("idle-timeout")),
	}
}

// run builds the gateway, seeds it and serves until SIGINT or SIGTERM.
func run(cfg gateway.Config, opts []gateway.Option) error {
	g, err := gateway.New(cfg, opts...)
	if err != nil {
		return err
	}

	if path := viper.GetString("seed"); path != "" {
		seed, err := gateway.LoadSeedFile(path)
		if err != nil {
			return err
		}
		if err := g.DataStore().ApplySeed(seed); err != nil {
			return err
		}
		logger.Info("local tables seeded", slog.String("path", path))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval := viper.GetDuration("stats-interval"); interval > 0 {
		go reportStats(ctx, g.Metrics(), interval)
	}

	err = g.ListenAndServe(ctx)
	logger.Info("final statistics", slog.Any("metrics", g.Metrics().Collect()))
	return err
}

func reportStats(ctx context.Context, m *gateway.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("statistics", slog.Any("metrics", m.Collect()))
		}
	}
}

var functionNames = map[string]gateway.FunctionCode{
	"c":                 gateway.FuncReadCoils,
	"coils":             gateway.FuncReadCoils,
	"di":                gateway.FuncReadDiscreteInputs,
	"discrete-inputs":   gateway.FuncReadDiscreteInputs,
	"hr":                gateway.FuncReadHoldingRegisters,
	"holding-registers": gateway.FuncReadHoldingRegisters,
	"ir":                gateway.FuncReadInputRegisters,
	"input-registers":   gateway.FuncReadInputRegisters,
}

// parseForward accepts numbers or names, comma or space separated.
func parseForward(values []string) ([]gateway.FunctionCode, error) {
	var codes []gateway.FunctionCode
	for _, v := range values {
		for _, field := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			field = strings.ToLower(strings.TrimSpace(field))
			if fc, ok := functionNames[field]; ok {
				codes = append(codes, fc)
				continue
			}
			n, err := strconv.ParseUint(field, 0, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid function code %q", field)
			}
			codes = append(codes, gateway.FunctionCode(n))
		}
	}
	return codes, nil
}
