package main

import (
	"fmt"
	"math/rand"
	"net"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options bundles every global flag, mirrored into a struct so it can also
// be populated by an optional TOML config file via --config before flags
// are applied on top of it.
type Options struct {
	Seed                  int64   `toml:"seed"`
	Until                 float64 `toml:"until"`
	UntilSet              bool    `toml:"-"`
	LogTCP                bool    `toml:"log_tcp"`
	LogTCPAddr            string  `toml:"log_tcp_addr"`
	LogFile               string  `toml:"log_file"`
	LogTelegraf           bool    `toml:"log_telegraf"`
	LogTelegrafAddr       string  `toml:"log_telegraf_addr"`
	CalculationEfficiency float64 `toml:"calculation_efficiency"`
	HasCalcEfficiency     bool    `toml:"-"`
	MetricsAddr           string  `toml:"metrics_addr"`
	Config                string  `toml:"-"`
}

func newRootCommand() *cobra.Command {
	opts := &Options{Seed: 1, LogTCPAddr: "127.0.0.1:6000", LogTelegrafAddr: "127.0.0.1:8094"}

	root := &cobra.Command{
		Use:           "lapissim",
		Short:         "Discrete-event simulator for an opportunistic batch-computing site",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Config != "" {
				// Flags given on the command line win over the file: note
				// them, load the file, then apply them again.
				globals := cmd.Root().PersistentFlags()
				given := map[string]string{}
				globals.VisitAll(func(f *pflag.Flag) {
					if f.Changed {
						given[f.Name] = f.Value.String()
					}
				})
				if err := loadTOMLConfig(opts.Config, opts); err != nil {
					return fmt.Errorf("lapissim: loading config: %w", err)
				}
				for name, value := range given {
					if err := globals.Set(name, value); err != nil {
						return fmt.Errorf("lapissim: re-applying --%s: %w", name, err)
					}
				}
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.Config, "config", "", "optional TOML config file seeding these flags")
	flags.Int64Var(&opts.Seed, "seed", opts.Seed, "PRNG seed for stochastic decisions (cache-hit draws)")
	flags.Float64Var(&opts.Until, "until", 0, "stop the run at this simulated time regardless of remaining work")
	flags.BoolVar(&opts.LogTCP, "log-tcp", false, "additionally ship structured logs to a TCP JSON sink")
	flags.StringVar(&opts.LogTCPAddr, "log-tcp-addr", opts.LogTCPAddr, "address of the TCP JSON log sink")
	flags.StringVar(&opts.LogFile, "log-file", "", "additionally write structured logs to this file")
	flags.BoolVar(&opts.LogTelegraf, "log-telegraf", false, "additionally ship structured JSON logs over UDP to a telegraf listener")
	flags.StringVar(&opts.LogTelegrafAddr, "log-telegraf-addr", opts.LogTelegrafAddr, "address of the telegraf UDP listener")
	flags.Float64Var(&opts.CalculationEfficiency, "calculation-efficiency", 0, "cores-to-walltime scaling factor for I/O-aware jobs")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "if set, serve Prometheus /metrics on this address for the run's duration")

	root.AddCommand(
		newStaticCommand(opts),
		newDynamicCommand(opts),
		newHybridCommand(opts),
	)
	return root
}

func loadTOMLConfig(path string, opts *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return toml.Unmarshal(data, opts)
}

func newLogger(opts *Options) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.InfoLevel),
	}

	if opts.LogFile != "" {
		f, err := os.Create(opts.LogFile)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(f), zap.InfoLevel))
	}

	if opts.LogTCP {
		conn, err := net.Dial("tcp", opts.LogTCPAddr)
		if err != nil {
			return nil, fmt.Errorf("dialing log-tcp sink %s: %w", opts.LogTCPAddr, err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(conn), zap.InfoLevel))
	}

	if opts.LogTelegraf {
		conn, err := net.Dial("udp", opts.LogTelegrafAddr)
		if err != nil {
			return nil, fmt.Errorf("dialing log-telegraf sink %s: %w", opts.LogTelegrafAddr, err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(conn), zap.InfoLevel))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

func newRand(opts *Options) *rand.Rand {
	return rand.New(rand.NewSource(opts.Seed))
}
