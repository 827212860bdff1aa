package main

import "testing"

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in       string
		decimals int32
		want     int64
		ok       bool
	}{
		{"12.50", 2, 1250, true},
		{"1,000", 2, 100000, true},
		{"7", 0, 7, true},
		{"0.001", 2, 0, false},
		{"0", 2, 0, false},
		{"-5", 2, 0, false},
		{"abc", 2, 0, false},
		{"4611686018427387904", 0, 1 << 62, true},
		{"4611686018427387905", 0, 0, false},
	}
	for _, tc := range tests {
		got, err := parseAmount(tc.in, tc.decimals)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("%q: got %d, %v want %d", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%q: expected error, got %d", tc.in, got)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		v        int64
		decimals int32
		want     string
	}{
		{123456789, 2, "1,234,567.89"},
		{-5, 2, "-0.05"},
		{1000, 0, "1,000"},
		{0, 2, "0.00"},
	}
	for _, tc := range tests {
		if got := formatAmount(tc.v, tc.decimals); got != tc.want {
			t.Fatalf("%d: got %q want %q", tc.v, got, tc.want)
		}
	}
}
