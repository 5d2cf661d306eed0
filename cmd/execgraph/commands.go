package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/grafana/execgraph/pkg/engine"
	"github.com/grafana/execgraph/pkg/engine/cluster"
	"github.com/grafana/execgraph/pkg/engine/plan"
	"github.com/grafana/execgraph/pkg/engine/transport"
)

// queryFlags are shared by every command building a query.
type queryFlags struct {
	opts *options

	plan      *string
	dataDir   *string
	token     *uint32
	namespace *string
}

func addQueryFlags(cmd *kingpin.CmdClause, opts *options) *queryFlags {
	return &queryFlags{
		opts:      opts,
		plan:      cmd.Arg("plan", "YAML plan to load.").Required().ExistingFile(),
		dataDir:   cmd.Flag("data-dir", "Directory holding the files read by the plan.").String(),
		token:     cmd.Flag("token", "Query token. Every node of a distributed query must use the same token.").Uint32(),
		namespace: cmd.Flag("namespace", "Namespace of the query.").String(),
	}
}

// query is a built query and the collaborators it runs with.
type query struct {
	cfg    engine.Config
	logger log.Logger
	qctx   *cluster.Context
	bucket objstore.Bucket
	plan   *plan.Plan
}

func (f *queryFlags) prepare() (*query, error) {
	cfg, err := f.opts.load()
	if err != nil {
		return nil, err
	}

	p, err := plan.ParseFile(*f.plan)
	if err != nil {
		return nil, err
	}

	qctx, err := cfg.QueryContext(*f.token, *f.namespace)
	if err != nil {
		return nil, err
	}
	if !qctx.IsSingleNode() && *f.token == 0 {
		return nil, errors.New("--token is required when running on more than one node")
	}

	q := &query{cfg: cfg, logger: f.opts.logger(), qctx: qctx, plan: p}
	if *f.dataDir != "" {
		bkt, err := filesystem.NewBucket(*f.dataDir)
		if err != nil {
			return nil, fmt.Errorf("opening data directory: %w", err)
		}
		q.bucket = bkt
	}
	return q, nil
}

func (q *query) build(p engine.Params) (*engine.Query, error) {
	p.Logger = q.logger
	p.Config = q.cfg
	p.Bucket = q.bucket

	e, err := engine.New(p)
	if err != nil {
		return nil, err
	}
	return e.BuildGraph(q.plan.Fragments, q.qctx)
}

type validateCommand struct {
	flags *queryFlags
}

func addValidateCommand(app *kingpin.Application, opts *options) {
	cmd := &validateCommand{}
	clause := app.Command("validate", "Check that a plan builds a complete graph.").Action(cmd.run)
	cmd.flags = addQueryFlags(clause, opts)
}

func (cmd *validateCommand) run(_ *kingpin.ParseContext) error {
	q, err := cmd.flags.prepare()
	if err != nil {
		return err
	}
	built, err := q.build(engine.Params{Output: io.Discard})
	if err != nil {
		return err
	}

	fmt.Printf("%s %d kernels, %d edges\n",
		color.GreenString("plan is valid:"),
		len(built.Graph().Kernels()),
		len(built.Graph().Edges()),
	)
	return nil
}

type explainCommand struct {
	flags *queryFlags
}

func addExplainCommand(app *kingpin.Application, opts *options) {
	cmd := &explainCommand{}
	clause := app.Command("explain", "Print the kernels and links of a plan.").Action(cmd.run)
	cmd.flags = addQueryFlags(clause, opts)
}

func (cmd *explainCommand) run(_ *kingpin.ParseContext) error {
	q, err := cmd.flags.prepare()
	if err != nil {
		return err
	}
	built, err := q.build(engine.Params{Output: io.Discard})
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Printf("Query %s on node %d of %d:\n", built.ID(), q.qctx.LocalIndex(), q.qctx.NodeCount())
	fmt.Print(built.Explain())
	return nil
}

type runCommand struct {
	flags   *queryFlags
	timeout *time.Duration
}

func addRunCommand(app *kingpin.Application, opts *options) {
	cmd := &runCommand{}
	clause := app.Command("run", "Execute a plan and print its results.").Default().Action(cmd.run)
	cmd.flags = addQueryFlags(clause, opts)
	cmd.timeout = clause.Flag("timeout", "Maximum duration of the query. 0 for no limit.").Default("0s").Duration()
}

func (cmd *runCommand) run(_ *kingpin.ParseContext) error {
	q, err := cmd.flags.prepare()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *cmd.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *cmd.timeout)
		defer cancelTimeout()
	}

	params := engine.Params{
		Registerer: prometheus.DefaultRegisterer,
		Output:     os.Stdout,
	}
	if !q.qctx.IsSingleNode() {
		tr, err := startTransport(ctx, q)
		if err != nil {
			return err
		}
		defer func() {
			if err := services.StopAndAwaitTerminated(context.Background(), tr); err != nil {
				level.Warn(q.logger).Log("msg", "failed to stop transport", "err", err)
			}
		}()
		params.Transport = tr
	}

	built, err := q.build(params)
	if err != nil {
		return err
	}
	defer built.Release()

	start := time.Now()
	if err := built.Execute(ctx); err != nil {
		return err
	}
	took := time.Since(start)

	if err := writeRecords(os.Stdout, built.Results()); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s %s rows materialized in %s\n",
		color.GreenString("query %s finished:", built.ID()),
		humanize.Comma(built.NumRows()),
		took.Round(time.Millisecond),
	)
	return nil
}

func startTransport(ctx context.Context, q *query) (*transport.HTTP, error) {
	metrics := transport.NewMetrics()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}

	tr, err := transport.NewHTTP(transport.HTTPParams{
		Config:  q.cfg.Transport,
		Local:   q.qctx.LocalNode(),
		Logger:  q.logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := services.StartAndAwaitRunning(ctx, tr); err != nil {
		return nil, fmt.Errorf("starting transport: %w", err)
	}
	return tr, nil
}

// writeRecords prints records as CSV with a single header.
func writeRecords(w io.Writer, records []arrow.Record) error {
	if len(records) == 0 {
		return nil
	}

	cw := csv.NewWriter(w, records[0].Schema(), csv.WithHeader(true), csv.WithNullWriter(""))
	for _, rec := range records {
		if !rec.Schema().Equal(records[0].Schema()) {
			return fmt.Errorf("%w: results of several schemas", engine.ErrSchemaMismatch)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
