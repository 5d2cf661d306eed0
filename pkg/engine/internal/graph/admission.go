package graph

import (
	"context"
	"fmt"
	"math"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/semaphore"

	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
	"github.com/grafana/execgraph/pkg/engine/internal/kernel"
)

type laneType string

const (
	laneSource laneType = "source"
	laneOther  laneType = "other"
)

// laneOrder is the order lanes are acquired in.
var laneOrder = []laneType{laneSource, laneOther}

type admissionLane struct {
	*semaphore.Weighted
	limit int64 // 0 when unbounded
}

func newAdmissionLane(limit int64) *admissionLane {
	size := limit
	if limit < 1 {
		limit, size = 0, math.MaxInt64
	}
	return &admissionLane{Weighted: semaphore.NewWeighted(size), limit: limit}
}

// AdmissionControl bounds the number of kernels of each class running at
// once across the graphs it admits. Source kernels and every other kernel
// are counted separately.
//
// A graph is admitted with all of its kernels or not at all: kernels of one
// graph push into each other's caches, so running part of a graph could
// leave a producer waiting on a consumer that never starts.
type AdmissionControl struct {
	lanes map[laneType]*admissionLane
}

// NewAdmissionControl returns an AdmissionControl. Limits below 1 mean
// unbounded.
func NewAdmissionControl(maxSourceTasks, maxOtherTasks int64) *AdmissionControl {
	return &AdmissionControl{
		lanes: map[laneType]*admissionLane{
			laneSource: newAdmissionLane(maxSourceTasks),
			laneOther:  newAdmissionLane(maxOtherTasks),
		},
	}
}

func (ac *AdmissionControl) typeFor(k kernel.Kernel) laneType {
	if k.Base().Kind() == kernel.KindSource {
		return laneSource
	}
	return laneOther
}

// admit waits until every kernel fits into its lane and returns a function
// releasing them. Graphs with more kernels of a class than its lane holds
// are rejected with ErrResourceExhausted.
func (ac *AdmissionControl) admit(ctx context.Context, logger log.Logger, kernels []kernel.Kernel) (func(), error) {
	demand := make(map[laneType]int64, len(ac.lanes))
	for _, k := range kernels {
		demand[ac.typeFor(k)]++
	}

	for _, lt := range laneOrder {
		if lane := ac.lanes[lt]; lane.limit > 0 && demand[lt] > lane.limit {
			return nil, fmt.Errorf("%w: query has %d %s kernels but at most %d may run at once",
				engineerrors.ErrResourceExhausted, demand[lt], lt, lane.limit)
		}
	}

	var held []laneType
	release := func() {
		for _, lt := range held {
			ac.lanes[lt].Release(demand[lt])
		}
	}

	// Lanes are always acquired in the same order. A graph holding "other"
	// slots already holds its source slots and is running.
	for _, lt := range laneOrder {
		n := demand[lt]
		if n == 0 {
			continue
		}
		lane := ac.lanes[lt]
		if err := lane.Acquire(ctx, n); err != nil {
			release()
			return nil, fmt.Errorf("waiting for admission: %w", err)
		}
		held = append(held, lt)
		level.Debug(logger).Log("msg", "admitted kernels", "lane", lt, "kernels", n, "limit", lane.limit)
	}
	return release, nil
}
