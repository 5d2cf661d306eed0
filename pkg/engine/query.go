package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"

	"github.com/grafana/execgraph/pkg/engine/cluster"
	"github.com/grafana/execgraph/pkg/engine/internal/graph"
	"github.com/grafana/execgraph/pkg/engine/internal/kernel"
	"github.com/grafana/execgraph/pkg/engine/plan"
	"github.com/grafana/execgraph/pkg/engine/transport"
)

// Query is a built query graph. A Query is executed at most once.
type Query struct {
	id        string
	qctx      *cluster.Context
	logger    log.Logger
	graph     *graph.Graph
	transport transport.Transport
	fragments []plan.Fragment

	results []*kernel.Materializer
}

// ID returns the unique identifier of the query.
func (q *Query) ID() string { return q.id }

// Context returns the query context.
func (q *Query) Context() *cluster.Context { return q.qctx }

// Graph returns the kernel graph of the query.
func (q *Query) Graph() *graph.Graph { return q.graph }

// Execute runs the query to completion. Exchange state held for the local
// node is dropped once Execute returns.
func (q *Query) Execute(ctx context.Context) error {
	defer q.forget()
	return q.graph.Execute(ctx)
}

func (q *Query) forget() {
	switch t := q.transport.(type) {
	case *transport.Hub:
		t.Forget(q.qctx.Token(), q.qctx.LocalNode())
	case *transport.HTTP:
		t.Inbox().Forget(q.qctx.Token(), q.qctx.LocalNode())
	}
}

// Results returns the records collected by the materializer kernels of the
// query, in fragment order. The records remain owned by the query until
// [Query.Release] is called.
func (q *Query) Results() []arrow.Record {
	var records []arrow.Record
	for _, m := range q.results {
		records = append(records, m.Records()...)
	}
	return records
}

// NumRows returns the number of rows returned by [Query.Results].
func (q *Query) NumRows() int64 {
	var n int64
	for _, m := range q.results {
		n += m.NumRows()
	}
	return n
}

// Release releases the materialized results.
func (q *Query) Release() {
	for _, m := range q.results {
		m.Release()
	}
}

// Explain renders the kernels and links of the query, one per line.
func (q *Query) Explain() string {
	var sb strings.Builder

	for _, k := range q.graph.Kernels() {
		base := k.Base()
		fmt.Fprintf(&sb, "kernel %d %s %s: %s\n", base.ID(), q.fragments[base.ID()].ID, base.Kind(), base.Expression())
	}
	for _, e := range q.graph.Edges() {
		fmt.Fprintf(&sb, "edge %d/%s -> %d/%s %s\n", e.Source, e.SourcePort, e.Sink, e.SinkPort, e.Cache.Settings())
	}
	return sb.String()
}
