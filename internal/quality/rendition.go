package quality

import (
	"errors"
	"fmt"
)

// Name identifies a rendition in the catalog (e.g. "medium", "lossless").
type Name string

const (
	UltraLow Name = "ultra-low"
	Low      Name = "low"
	Medium   Name = "medium"
	High     Name = "high"
	Lossless Name = "lossless"
)

// Default is the rendition used when a listener does not ask for one.
const Default = Medium

// ErrUnknownQuality is returned when a rendition name is not in the catalog.
var ErrUnknownQuality = errors.New("unknown quality")

// Rendition is one fixed encoding profile. Index orders the catalog from
// lowest to highest and is what "one step up / one step down" compares.
type Rendition struct {
	Name       Name   `json:"name"`
	Index      int    `json:"index"`
	Bitrate    int    `json:"bitrate"` // kbps
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Codec      string `json:"codec"`
}

var catalog = []Rendition{
	{Name: UltraLow, Index: 0, Bitrate: 32, SampleRate: 22050, Channels: 1, Codec: "aac"},
	{Name: Low, Index: 1, Bitrate: 64, SampleRate: 44100, Channels: 2, Codec: "aac"},
	{Name: Medium, Index: 2, Bitrate: 128, SampleRate: 44100, Channels: 2, Codec: "aac"},
	{Name: High, Index: 3, Bitrate: 256, SampleRate: 48000, Channels: 2, Codec: "aac"},
	{Name: Lossless, Index: 4, Bitrate: 1411, SampleRate: 44100, Channels: 2, Codec: "flac"},
}

// All returns a copy of the catalog ordered lowest to highest.
func All() []Rendition {
	out := make([]Rendition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the rendition with the given name.
func Lookup(name Name) (Rendition, error) {
	for _, r := range catalog {
		if r.Name == name {
			return r, nil
		}
	}
	return Rendition{}, fmt.Errorf("%w: %q", ErrUnknownQuality, name)
}

// Parse resolves a user-supplied name; an empty string yields Default.
func Parse(s string) (Rendition, error) {
	if s == "" {
		return MustLookup(Default), nil
	}
	return Lookup(Name(s))
}

// MustLookup is Lookup for names known at compile time.
func MustLookup(name Name) Rendition {
	r, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return r
}

// ByIndex returns the rendition at catalog position i.
func ByIndex(i int) (Rendition, bool) {
	if i < 0 || i >= len(catalog) {
		return Rendition{}, false
	}
	return catalog[i], true
}

// Min returns the lowest rendition in the catalog.
func Min() Rendition { return catalog[0] }

// Max returns the highest rendition in the catalog.
func Max() Rendition { return catalog[len(catalog)-1] }

// Up returns the next-higher rendition, or false at the top of the catalog.
func (r Rendition) Up() (Rendition, bool) { return ByIndex(r.Index + 1) }

// Down returns the next-lower rendition, or false at the bottom of the catalog.
func (r Rendition) Down() (Rendition, bool) { return ByIndex(r.Index - 1) }

// Clamp limits r to the inclusive range [lo, hi].
func Clamp(r, lo, hi Rendition) Rendition {
	if r.Index < lo.Index {
		return lo
	}
	if r.Index > hi.Index {
		return hi
	}
	return r
}
