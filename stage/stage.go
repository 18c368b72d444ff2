// Copyright (C) 2023 Cedrus DB, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package stage observes index-build progress. An Alter tracks the
// phase a build is in and the work units it has completed; hosts that
// register the collector get the numbers as prometheus gauges. A nil
// *Alter is valid everywhere and observes nothing.
package stage

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Phase is one step of the build pipeline.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseScan
	PhaseSort
	PhaseInsert
	PhaseFlush
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseScan:
		return "scan"
	case PhaseSort:
		return "sort"
	case PhaseInsert:
		return "insert"
	case PhaseFlush:
		return "flush"
	case PhaseDone:
		return "done"
	default:
		return "none"
	}
}

// Alter tracks one ALTER/index-build's progress.
type Alter struct {
	table string
	index string

	phase atomic.Int64
	done  atomic.Uint64
	total atomic.Uint64

	phaseGauge *prometheus.GaugeVec
	doneGauge  *prometheus.GaugeVec
}

// NewAlter creates a progress tracker labeled by table and index.
func NewAlter(table, index string) *Alter {
	return &Alter{table: table, index: index}
}

// Register attaches the tracker's gauges to a prometheus registerer.
func (a *Alter) Register(reg prometheus.Registerer) error {
	if a == nil {
		return nil
	}
	a.phaseGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cedrus",
		Subsystem: "ddl",
		Name:      "build_phase",
		Help:      "Current index build phase (0 none, 1 scan, 2 sort, 3 insert, 4 flush, 5 done).",
	}, []string{"table", "index"})
	a.doneGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cedrus",
		Subsystem: "ddl",
		Name:      "build_work_done",
		Help:      "Work units (rows or pages) completed in the current phase.",
	}, []string{"table", "index"})
	for _, c := range []prometheus.Collector{a.phaseGauge, a.doneGauge} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Begin enters a phase and resets the work counter.
func (a *Alter) Begin(p Phase) {
	if a == nil {
		return
	}
	a.phase.Store(int64(p))
	a.done.Store(0)
	if a.phaseGauge != nil {
		a.phaseGauge.WithLabelValues(a.table, a.index).Set(float64(p))
	}
	if a.doneGauge != nil {
		a.doneGauge.WithLabelValues(a.table, a.index).Set(0)
	}
}

// Inc adds n completed work units to the current phase.
func (a *Alter) Inc(n uint64) {
	if a == nil {
		return
	}
	v := a.done.Add(n)
	if a.doneGauge != nil {
		a.doneGauge.WithLabelValues(a.table, a.index).Set(float64(v))
	}
}

// SetEstimate records the expected work units of the current phase.
func (a *Alter) SetEstimate(n uint64) {
	if a == nil {
		return
	}
	a.total.Store(n)
}

// Phase returns the current phase.
func (a *Alter) Phase() Phase {
	if a == nil {
		return PhaseNone
	}
	return Phase(a.phase.Load())
}

// Done returns the work units completed in the current phase.
func (a *Alter) Done() uint64 {
	if a == nil {
		return 0
	}
	return a.done.Load()
}
