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

package build

import (
	"fmt"
	"os"
	"runtime"

	"sigs.k8s.io/yaml"
)

// Config carries the engine knobs. All fields have working defaults;
// zero values are replaced by them in Validate.
type Config struct {
	// FillFactor is the target page occupancy percentage, clamped
	// to [10, 100].
	FillFactor int `json:"fill_factor"`
	// Workers is the scan/sort parallelism; defaults to the CPU
	// count.
	Workers int `json:"worker_count"`
	// ScanBufferBytes bounds each per-thread sort buffer.
	ScanBufferBytes int `json:"scan_buffer_bytes"`
	// MaxBufferTuples bounds each sort buffer's tuple count.
	MaxBufferTuples int `json:"max_buffer_tuples"`
	// MergeIOBufferBytes sizes the spill-file read/write buffers.
	MergeIOBufferBytes int `json:"merge_io_buffer_bytes"`
	// NWayMerge is the merge fan-in per pass.
	NWayMerge int `json:"n_way_merge"`
	// InterruptCheckRows is the row interval between interrupt
	// polls during scans.
	InterruptCheckRows int `json:"interrupt_check_rows"`
	// TmpDir hosts the spill files.
	TmpDir string `json:"tmpdir"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		FillFactor:         100,
		Workers:            runtime.NumCPU(),
		ScanBufferBytes:    1 << 20,
		MaxBufferTuples:    1 << 16,
		MergeIOBufferBytes: 64 << 10,
		NWayMerge:          2,
		InterruptCheckRows: 25000,
		TmpDir:             os.TempDir(),
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("build: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("build: parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate clamps and defaults the knobs in place.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.FillFactor == 0 {
		c.FillFactor = def.FillFactor
	}
	if c.FillFactor < 10 {
		c.FillFactor = 10
	}
	if c.FillFactor > 100 {
		c.FillFactor = 100
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.ScanBufferBytes <= 0 {
		c.ScanBufferBytes = def.ScanBufferBytes
	}
	if c.MaxBufferTuples <= 0 {
		c.MaxBufferTuples = def.MaxBufferTuples
	}
	if c.MergeIOBufferBytes <= 0 {
		c.MergeIOBufferBytes = def.MergeIOBufferBytes
	}
	if c.NWayMerge <= 1 {
		c.NWayMerge = def.NWayMerge
	}
	if c.InterruptCheckRows <= 0 {
		c.InterruptCheckRows = def.InterruptCheckRows
	}
	if c.TmpDir == "" {
		c.TmpDir = def.TmpDir
	}
	return nil
}
