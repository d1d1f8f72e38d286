//go:build !darwin
// +build !darwin

// Package seqdarwin backs the sequencer contract with CoreMIDI. On other
// platforms it registers nothing.
package seqdarwin
