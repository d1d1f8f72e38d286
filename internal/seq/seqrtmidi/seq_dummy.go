//go:build !linux
// +build !linux

// Package seqrtmidi backs the sequencer contract with rtmidi virtual
// ports. On platforms other than Linux it registers nothing.
package seqrtmidi
