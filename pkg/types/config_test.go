package types

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig("/tmp/data")

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: nil,
		},
		{
			name:    "empty data dir returns ErrDataDirEmpty",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: ErrDataDirEmpty,
		},
		{
			name:    "unknown log level returns ErrLogLevelUnknown",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: ErrLogLevelUnknown,
		},
		{
			name:    "unknown log format returns ErrLogFormatUnknown",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: ErrLogFormatUnknown,
		},
		{
			name:    "local tie break is valid",
			mutate:  func(c *Config) { c.Sync.TieBreak = TieBreakLocal },
			wantErr: nil,
		},
		{
			name:    "unknown tie break returns ErrTieBreakUnknown",
			mutate:  func(c *Config) { c.Sync.TieBreak = "coin" },
			wantErr: ErrTieBreakUnknown,
		},
		{
			name:    "zero clock tolerance returns ErrClockToleranceInvalid",
			mutate:  func(c *Config) { c.Sync.ClockTolerance = 0 },
			wantErr: ErrClockToleranceInvalid,
		},
		{
			name:    "negative payload bound returns ErrMaxPayloadInvalid",
			mutate:  func(c *Config) { c.Sync.MaxPayloadRows = -1 },
			wantErr: ErrMaxPayloadInvalid,
		},
		{
			name:    "zero http timeout returns ErrHTTPTimeoutInvalid",
			mutate:  func(c *Config) { c.Sync.HTTPTimeout = 0 },
			wantErr: ErrHTTPTimeoutInvalid,
		},
		{
			name:    "empty server url is valid at config level",
			mutate:  func(c *Config) { c.Sync.ServerURL = "" },
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %v, got nil", tt.wantErr)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig("/data")
	if c.Sync.ClockTolerance != 300*time.Second {
		t.Fatalf("expected 300s tolerance, got %v", c.Sync.ClockTolerance)
	}
	if c.Sync.TieBreak != TieBreakRemote {
		t.Fatalf("expected remote tie break, got %q", c.Sync.TieBreak)
	}
}
