// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{AppID: "my-app"}
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultEndpoint, cfg.Endpoint)
	assert.Equal(t, defaultMaxEvents, cfg.MaxEvents)
}

func TestConfigApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{AppID: "my-app", Endpoint: "https://example.com", MaxEvents: 7}
	cfg.ApplyDefaults()

	assert.Equal(t, "https://example.com", cfg.Endpoint)
	assert.Equal(t, 7, cfg.MaxEvents)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name: "valid",
			cfg:  Config{AppID: "my-app", Endpoint: "https://example.com"},
		},
		{
			name:    "missing app id",
			cfg:     Config{Endpoint: "https://example.com"},
			wantErr: ErrMissingAppID,
		},
		{
			name:    "http outside testing mode",
			cfg:     Config{AppID: "my-app", Endpoint: "http://example.com"},
			wantErr: ErrInvalidEndpoint,
		},
		{
			name: "http in testing mode",
			cfg:  Config{AppID: "my-app", Endpoint: "http://example.com", TestingMode: true},
		},
		{
			name:    "no host",
			cfg:     Config{AppID: "my-app", Endpoint: "https://"},
			wantErr: ErrInvalidEndpoint,
		},
		{
			name:    "bad scheme",
			cfg:     Config{AppID: "my-app", Endpoint: "ftp://example.com"},
			wantErr: ErrInvalidEndpoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
