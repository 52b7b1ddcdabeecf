package db

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestEditManifest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		m       EditManifest
		wantErr bool
	}{
		{name: "empty", m: EditManifest{}},
		{
			name: "full",
			m: EditManifest{
				Cuts:     []CutRange{{Start: 0, End: 5}, {Start: 10, End: 12.5}},
				Audio:    &AudioEdit{GainDB: -3, FadeIn: 0.5, FadeOut: 1},
				Color:    &ColorAdjust{Brightness: f64(0.1), Contrast: f64(1.2), Saturation: f64(0.8)},
				Overlays: []TextOverlay{{Text: "hello", XPct: 50, YPct: 90, Start: 1, End: 3}},
				Output:   OutputSpec{Format: "mp4", Quality: "high", MaxWidth: 1280, MaxHeight: 720},
			},
		},
		{name: "cut end before start", m: EditManifest{Cuts: []CutRange{{Start: 5, End: 2}}}, wantErr: true},
		{name: "overlapping cuts", m: EditManifest{Cuts: []CutRange{{Start: 0, End: 5}, {Start: 4, End: 8}}}, wantErr: true},
		{name: "cuts out of order", m: EditManifest{Cuts: []CutRange{{Start: 10, End: 20}, {Start: 0, End: 5}}}, wantErr: true},
		{name: "adjacent cuts", m: EditManifest{Cuts: []CutRange{{Start: 0, End: 5}, {Start: 5, End: 8}}}},
		{name: "brightness out of range", m: EditManifest{Color: &ColorAdjust{Brightness: f64(2)}}, wantErr: true},
		{name: "overlay position out of range", m: EditManifest{Overlays: []TextOverlay{{Text: "x", XPct: 120}}}, wantErr: true},
		{name: "overlay without text", m: EditManifest{Overlays: []TextOverlay{{XPct: 10}}}, wantErr: true},
		{name: "unknown format", m: EditManifest{Output: OutputSpec{Format: "avi"}}, wantErr: true},
		{name: "unknown quality", m: EditManifest{Output: OutputSpec{Quality: "ultra"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEditManifest_OverlayColor(t *testing.T) {
	overlay := func(color string) EditManifest {
		return EditManifest{Overlays: []TextOverlay{{Text: "hi", Color: color}}}
	}

	for _, ok := range []string{"", "red", "White", "#ff8800", "#ff880080", "0xFF8800", "black@0.5", "yellow@1"} {
		require.NoError(t, overlay(ok).Validate(), ok)
	}
	for _, bad := range []string{
		"red,drawtext=textfile=.env",
		"red:x=0",
		"red'",
		"red=1",
		"red;",
		"#ff88",
		"black@2",
		"white ",
	} {
		require.Error(t, overlay(bad).Validate(), bad)
	}
}

func TestEditManifest_ScanValue(t *testing.T) {
	in := EditManifest{
		Cuts:   []CutRange{{Start: 1, End: 2}},
		Output: OutputSpec{Format: "webm"},
	}
	v, err := in.Value()
	require.NoError(t, err)

	raw, ok := v.([]byte)
	require.True(t, ok)
	require.JSONEq(t, `{"cuts":[{"start":1,"end":2}],"output":{"format":"webm"}}`, string(raw))

	var out EditManifest
	require.NoError(t, out.Scan(raw))
	require.Equal(t, in, out)

	require.NoError(t, out.Scan(nil))
	require.Equal(t, EditManifest{}, out)

	require.Error(t, out.Scan(42))
}

func TestEditManifest_TextValue(t *testing.T) {
	in := EditManifest{Audio: &AudioEdit{Mute: true}}
	txt, err := in.TextValue()
	require.NoError(t, err)
	require.True(t, txt.Valid)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(txt.String), &decoded))
	require.Contains(t, decoded, "audio")

	var out EditManifest
	require.NoError(t, out.ScanText(txt))
	require.Equal(t, in, out)
}
