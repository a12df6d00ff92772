package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatline/conductor/internal/orchestration"
)

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		name    string
		names   []string
		slugs   []string
		want    map[int]orchestration.WaveOverride
		wantErr bool
	}{
		{name: "none"},
		{
			name:  "name and slug merge per wave",
			names: []string{"1=Foundations", "2 = Features "},
			slugs: []string{"1=core-base"},
			want: map[int]orchestration.WaveOverride{
				1: {Name: "Foundations", Slug: "core-base"},
				2: {Name: "Features"},
			},
		},
		{name: "missing separator", names: []string{"Foundations"}, wantErr: true},
		{name: "empty value", slugs: []string{"1="}, wantErr: true},
		{name: "zero index", names: []string{"0=First"}, wantErr: true},
		{name: "non-numeric index", slugs: []string{"one=slug"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOverrides(tt.names, tt.slugs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSaveAndLoadSession(t *testing.T) {
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	info := &orchestration.SessionInfo{
		ID:         "s-1",
		RepoPath:   "/src/app",
		Agent:      "claude",
		Status:     orchestration.StatusCompleted,
		BeatIDs:    []string{"demo-1"},
		Plan:       &orchestration.Plan{Waves: []orchestration.Wave{{Index: 1, Name: "Only", Beats: []orchestration.BeatRef{{ID: "demo-1", Title: "Parser"}}}}},
		CreatedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
	}
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, saveSession(path, info))

	got, err := loadSession(path)
	require.NoError(t, err)
	assert.Equal(t, info, got)

	_, err = loadSession(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
