// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package therm reads the on-board temperature sensor over SMBus,
// consulted by ZQCAL calibration before a boot-time or frequency-switch
// impedance sweep. A thin wrapper is kept over *smbus.Conn so tests can
// substitute a fake bus without a real I2C adapter.
package therm // import "github.com/waviousllc/wav-lpddr-sw-sub001/internal/therm"

import (
	"fmt"

	"github.com/go-daq/smbus"
)

// cmdTemperature is the SMBus command byte the sensor exposes its
// latest conversion result under.
const cmdTemperature = 0x00

// conn is the subset of *smbus.Conn that Sensor needs, narrowed so
// tests can provide a fake.
type conn interface {
	ReadWordData(cmd uint8) (uint16, error)
	Close() error
}

// Sensor is a temperature sensor on an SMBus segment.
type Sensor struct {
	c conn
}

// Open dials the sensor at addr on the given SMBus bus number.
func Open(bus int, addr uint8) (*Sensor, error) {
	c, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("therm: could not open smbus %d addr 0x%02x: %w", bus, addr, err)
	}
	return &Sensor{c: c}, nil
}

// Close releases the underlying SMBus connection.
func (s *Sensor) Close() error {
	return s.c.Close()
}

// ReadMilliC reads the sensor's latest conversion and returns it in
// milli-degrees Celsius. The sensor reports a signed Q8.8 fixed-point
// value per its datasheet's standard SMBus temperature-register format.
func (s *Sensor) ReadMilliC() (int32, error) {
	raw, err := s.c.ReadWordData(cmdTemperature)
	if err != nil {
		return 0, fmt.Errorf("therm: could not read temperature register: %w", err)
	}
	return q8_8ToMilliC(raw), nil
}

// q8_8ToMilliC converts a signed Q8.8 fixed-point register value
// (8 integer bits, 8 fractional bits, two's complement) to milli-C.
func q8_8ToMilliC(raw uint16) int32 {
	signed := int32(int16(raw))
	return (signed * 1000) / 256
}
