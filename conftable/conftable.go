// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conftable implements the ConfigTable: the per-frequency and
// frequency-independent parameter set the PHY firmware loads at startup
// and writes calibrated values back into during boot calibration.
// Grounded on eda/cfg.go's Option-configured, mode-selected (csv vs db)
// loader and on conddb.DB's MySQL access pattern, re-pointed at this
// firmware's own parameter set (PLL band/fine, VCO config, DFI pipe
// delays, DRAM mode-register values, pad-enable pulse extensions,
// ZQCAL/sense-amp/receiver calibration) per spec.md §2's ConfigTable entry.
package conftable // import "github.com/waviousllc/wav-lpddr-sw-sub001/conftable"

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/therm"
	"github.com/waviousllc/wav-lpddr-sw-sub001/pllsub"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

// FreqEntry is one frequency's worth of per-frequency parameters.
type FreqEntry struct {
	VCOCfg map[wddrtypes.VCOID]pllsub.Cfg
	VCOCal map[wddrtypes.VCOID]pllsub.Cal

	DfiPipeDelay      uint32
	PadEnablePulseExt uint32
	DRAMModeRegs      map[uint8]uint32 // MRW values, keyed by mode-register number
}

func newFreqEntry() FreqEntry {
	return FreqEntry{
		VCOCfg:       make(map[wddrtypes.VCOID]pllsub.Cfg),
		VCOCal:       make(map[wddrtypes.VCOID]pllsub.Cal),
		DRAMModeRegs: make(map[uint8]uint32),
	}
}

// CommonParams holds the frequency-independent calibration values:
// ZQCAL rail trims, and per-rank sense-amp/receiver offsets.
type CommonParams struct {
	ZQCalPBand uint32
	ZQCalNBand uint32

	SenseAmpTrim map[uint8]uint32 // per rank
	ReceiverTrim map[uint8]uint32 // per rank
}

func newCommonParams() CommonParams {
	return CommonParams{
		SenseAmpTrim: make(map[uint8]uint32),
		ReceiverTrim: make(map[uint8]uint32),
	}
}

// Table is a ConfigTable: read-only after Load except for the
// calibrated fields WriteCalibration/WriteCommonCalibration update
// during boot calibration (spec.md §5's single-writer rule).
type Table struct {
	mu sync.RWMutex

	mode string // "csv" or "db"

	perFreqFile string
	commonFile  string

	dbName string
	db     *sql.DB

	therm *therm.Sensor

	PerFreq map[wddrtypes.FreqID]FreqEntry
	Common  CommonParams
}

// Option configures a Table at construction.
type Option func(*Table)

// WithConfigDir points the table at a directory of CSV files, mirroring
// eda.WithConfigDir's directory-of-named-files convention.
func WithConfigDir(dir string) Option {
	return func(t *Table) {
		if dir == "" {
			return
		}
		t.mode = "csv"
		t.perFreqFile = filepath.Join(dir, "freq_table.csv")
		t.commonFile = filepath.Join(dir, "common_cal.csv")
	}
}

// WithMySQL points the table at a MySQL database, mirroring conddb.Open's
// DSN convention.
func WithMySQL(dbname string) Option {
	return func(t *Table) {
		t.mode = "db"
		t.dbName = dbname
	}
}

// WithThermSensor wires an SMBus temperature sensor that ZQCAL
// calibration may consult to bias its rail-hit retry behavior by
// measured die temperature.
func WithThermSensor(s *therm.Sensor) Option {
	return func(t *Table) { t.therm = s }
}

// New constructs an empty Table; call Load to populate it.
func New(opts ...Option) *Table {
	t := &Table{
		mode:    "csv",
		PerFreq: make(map[wddrtypes.FreqID]FreqEntry),
		Common:  newCommonParams(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load populates the table from whichever backend was configured.
func (t *Table) Load(ctx context.Context) error {
	switch t.mode {
	case "csv":
		if err := t.loadCSVPerFreq(); err != nil {
			return err
		}
		return t.loadCSVCommon()
	case "db":
		return t.loadMySQL(ctx)
	default:
		return fmt.Errorf("conftable: unknown mode %q", t.mode)
	}
}

// Close releases the database connection, if one is open.
func (t *Table) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}

// Therm returns the wired temperature sensor, or nil if none was
// configured via WithThermSensor.
func (t *Table) Therm() *therm.Sensor {
	return t.therm
}

// Freq returns freq's entry and whether it was found.
func (t *Table) Freq(freq wddrtypes.FreqID) (FreqEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.PerFreq[freq]
	return e, ok
}

// WriteCalibration writes vco's calibrated band/fine for freq back into
// the table, one of the two mutations ConfigTable accepts after Load
// (the other is WriteCommonCalibration), fired once per VCO during boot
// calibration (spec.md §4.10 step 2/3).
func (t *Table) WriteCalibration(freq wddrtypes.FreqID, vco wddrtypes.VCOID, cal pllsub.Cal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.PerFreq[freq]
	if !ok {
		return fmt.Errorf("conftable: write calibration: unknown freq id %d", freq)
	}
	e.VCOCal[vco] = cal
	t.PerFreq[freq] = e

	if t.mode == "db" && t.db != nil {
		_, err := t.db.Exec(
			"UPDATE freq_table SET band=?, fine=? WHERE freq_id=? AND vco_id=?",
			cal.Band, cal.Fine, freq, vco,
		)
		if err != nil {
			return fmt.Errorf("conftable: could not persist vco calibration: %w", err)
		}
	}
	return nil
}

// WriteCommonCalibration updates the frequency-independent calibration
// values (ZQCAL/sense-amp/receiver), the boot path's other write-back
// target.
func (t *Table) WriteCommonCalibration(c CommonParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Common = c

	if t.mode == "db" && t.db != nil {
		_, err := t.db.Exec(
			"UPDATE common_cal SET zqcal_pband=?, zqcal_nband=? WHERE id=1",
			c.ZQCalPBand, c.ZQCalNBand,
		)
		if err != nil {
			return fmt.Errorf("conftable: could not persist common calibration: %w", err)
		}
	}
	return nil
}

func (t *Table) loadMySQL(ctx context.Context) error {
	db, err := sql.Open("mysql", dsn(t.dbName))
	if err != nil {
		return fmt.Errorf("conftable: could not open %q db: %w", t.dbName, err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		return fmt.Errorf("conftable: could not ping %q db: %w", t.dbName, err)
	}
	t.db = db

	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := db.QueryContext(qctx,
		"SELECT freq_id, vco_id, post_div, int_comp, prop_gain, band, fine, dfi_pipe_delay, pad_enable_pulse_ext FROM freq_table")
	if err != nil {
		return fmt.Errorf("conftable: could not query freq_table: %w", err)
	}
	defer rows.Close()

	t.mu.Lock()
	for rows.Next() {
		var (
			freqID, vcoID                          int
			postDiv, intComp, propGain, band, fine uint32
			dfiPipeDelay, padEnablePulseExt         uint32
		)
		if err := rows.Scan(&freqID, &vcoID, &postDiv, &intComp, &propGain, &band, &fine, &dfiPipeDelay, &padEnablePulseExt); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("conftable: could not scan freq_table row: %w", err)
		}
		freq := wddrtypes.FreqID(freqID)
		e, ok := t.PerFreq[freq]
		if !ok {
			e = newFreqEntry()
		}
		e.DfiPipeDelay = dfiPipeDelay
		e.PadEnablePulseExt = padEnablePulseExt
		e.VCOCfg[wddrtypes.VCOID(vcoID)] = pllsub.Cfg{PostDiv: postDiv, IntComp: intComp, PropGain: propGain}
		e.VCOCal[wddrtypes.VCOID(vcoID)] = pllsub.Cal{Band: band, Fine: fine}
		t.PerFreq[freq] = e
	}
	t.mu.Unlock()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("conftable: error scanning freq_table: %w", err)
	}

	qctx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	row := db.QueryRowContext(qctx2, "SELECT zqcal_pband, zqcal_nband FROM common_cal WHERE id=1")
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := row.Scan(&t.Common.ZQCalPBand, &t.Common.ZQCalNBand); err != nil {
		return fmt.Errorf("conftable: could not scan common_cal: %w", err)
	}
	return nil
}

func dsn(dbname string) string {
	return fmt.Sprintf("wddr:wddr@tcp(localhost)/%s", dbname)
}

// loadCSVPerFreq parses semicolon-delimited rows of:
//
//	freq_id;vco_id;post_div;int_comp;prop_gain;band;fine;dfi_pipe_delay;pad_enable_pulse_ext
//
// grounded on eda.Device.readThOffset's scanner/split/ParseUint shape.
func (t *Table) loadCSVPerFreq() error {
	f, err := os.Open(t.perFreqFile)
	if err != nil {
		return fmt.Errorf("conftable: could not open per-frequency table %q: %w", t.perFreqFile, err)
	}
	defer f.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	scan := bufio.NewScanner(f)
	line := 0
	for scan.Scan() {
		line++
		txt := strings.TrimSpace(scan.Text())
		if txt == "" || strings.HasPrefix(txt, "#") {
			continue
		}
		toks := strings.Split(txt, ";")
		if len(toks) != 9 {
			return fmt.Errorf("conftable: invalid freq table line %d: %q", line, txt)
		}

		vals := make([]uint64, len(toks))
		for i, tok := range toks {
			v, err := strconv.ParseUint(tok, 10, 32)
			if err != nil {
				return fmt.Errorf("conftable: could not parse field %d on line %d (%q): %w", i, line, tok, err)
			}
			vals[i] = v
		}

		freq := wddrtypes.FreqID(vals[0])
		vco := wddrtypes.VCOID(vals[1])
		e, ok := t.PerFreq[freq]
		if !ok {
			e = newFreqEntry()
		}
		e.VCOCfg[vco] = pllsub.Cfg{
			PostDiv:  uint32(vals[2]),
			IntComp:  uint32(vals[3]),
			PropGain: uint32(vals[4]),
		}
		e.VCOCal[vco] = pllsub.Cal{Band: uint32(vals[5]), Fine: uint32(vals[6])}
		e.DfiPipeDelay = uint32(vals[7])
		e.PadEnablePulseExt = uint32(vals[8])
		t.PerFreq[freq] = e
	}
	if err := scan.Err(); err != nil {
		return fmt.Errorf("conftable: error reading per-frequency table: %w", err)
	}
	return nil
}

// loadCSVCommon parses one semicolon-delimited row:
// zqcal_pband;zqcal_nband
func (t *Table) loadCSVCommon() error {
	f, err := os.Open(t.commonFile)
	if err != nil {
		return fmt.Errorf("conftable: could not open common cal table %q: %w", t.commonFile, err)
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	if !scan.Scan() {
		return fmt.Errorf("conftable: common cal table %q is empty", t.commonFile)
	}
	toks := strings.Split(strings.TrimSpace(scan.Text()), ";")
	if len(toks) != 2 {
		return fmt.Errorf("conftable: invalid common cal table line: %q", scan.Text())
	}
	pband, err := strconv.ParseUint(toks[0], 10, 32)
	if err != nil {
		return fmt.Errorf("conftable: could not parse zqcal_pband: %w", err)
	}
	nband, err := strconv.ParseUint(toks[1], 10, 32)
	if err != nil {
		return fmt.Errorf("conftable: could not parse zqcal_nband: %w", err)
	}

	t.mu.Lock()
	t.Common.ZQCalPBand = uint32(pband)
	t.Common.ZQCalNBand = uint32(nband)
	t.mu.Unlock()
	return scan.Err()
}
