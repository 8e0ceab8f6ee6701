// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package therm

import "testing"

type fakeConn struct {
	word   uint16
	err    error
	closed bool
}

func (f *fakeConn) ReadWordData(cmd uint8) (uint16, error) {
	return f.word, f.err
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestReadMilliCPositive(t *testing.T) {
	s := &Sensor{c: &fakeConn{word: 0x1900}} // 25.0 C
	mc, err := s.ReadMilliC()
	if err != nil {
		t.Fatalf("ReadMilliC: %v", err)
	}
	if mc != 25000 {
		t.Fatalf("ReadMilliC = %d, want 25000", mc)
	}
}

func TestReadMilliCNegative(t *testing.T) {
	s := &Sensor{c: &fakeConn{word: 0xFB00}} // -5.0 C
	mc, err := s.ReadMilliC()
	if err != nil {
		t.Fatalf("ReadMilliC: %v", err)
	}
	if mc != -5000 {
		t.Fatalf("ReadMilliC = %d, want -5000", mc)
	}
}

func TestClosePropagates(t *testing.T) {
	fc := &fakeConn{}
	s := &Sensor{c: fc}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fc.closed {
		t.Fatalf("underlying conn not closed")
	}
}
