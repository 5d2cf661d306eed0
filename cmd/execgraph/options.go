package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"

	"github.com/grafana/execgraph/pkg/engine"
	"github.com/grafana/execgraph/pkg/util/flagext"
)

// options holds the global command line surface. Engine flags are registered
// on a standard flag set for their defaults and mirrored as kingpin flags.
// Values given on the command line are applied after config files.
type options struct {
	configFiles flagext.ConfigFiles
	logLevel    dslog.Level

	cfg       engine.Config
	flags     *flag.FlagSet
	overrides []override
}

type override struct {
	name, value string
}

// deferredFlag records a command line value of an engine flag.
type deferredFlag struct {
	opts *options
	flag *flag.Flag
}

func (f *deferredFlag) String() string { return f.flag.Value.String() }

func (f *deferredFlag) Set(v string) error {
	f.opts.overrides = append(f.opts.overrides, override{name: f.flag.Name, value: v})
	return nil
}

func (o *options) register(app *kingpin.Application) {
	o.flags = flag.NewFlagSet("execgraph", flag.ContinueOnError)
	o.cfg.RegisterFlagsWithPrefix("", o.flags)

	o.flags.VisitAll(func(f *flag.Flag) {
		app.Flag(f.Name, f.Usage).PlaceHolder(f.DefValue).SetValue(&deferredFlag{opts: o, flag: f})
	})

	app.Flag("config.file", "YAML file to load configuration from. May be repeated; later files override earlier ones.").SetValue(&o.configFiles)
	app.Flag("log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]").Default("info").SetValue(&o.logLevel)
}

// load applies config files and then command line values to the engine
// config.
func (o *options) load() (engine.Config, error) {
	if err := o.configFiles.Apply(&o.cfg); err != nil {
		return engine.Config{}, err
	}
	for _, ov := range o.overrides {
		if err := o.flags.Set(ov.name, ov.value); err != nil {
			return engine.Config{}, fmt.Errorf("invalid value %q for flag --%s: %w", ov.value, ov.name, err)
		}
	}
	if err := o.cfg.Validate(); err != nil {
		return engine.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return o.cfg, nil
}

func (o *options) logger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, o.logLevel.Option)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
