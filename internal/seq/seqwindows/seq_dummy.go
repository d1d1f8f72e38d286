//go:build !windows
// +build !windows

// Package seqwindows backs the sequencer contract with the winmm MIDI
// API. On other platforms it registers nothing.
package seqwindows
