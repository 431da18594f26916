package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transform-adapter/internal/codec"
	"github.com/cuongbtq/transform-adapter/internal/config"
	"github.com/cuongbtq/transform-adapter/internal/vault"
	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
	"github.com/cuongbtq/transform-adapter/shared/logger"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Staging.Bucket = "staging"
	cfg.Staging.Path = "/public/svc/"
	return cfg
}

func TestBuildJob(t *testing.T) {
	tests := []struct {
		name      string
		callback  string
		staging   string
		inputs    []string
		params    []string
		errString string
		want      domain.StagingLocation
	}{
		{
			name:     "configured staging",
			callback: "http://coordinator/service/1",
			inputs:   []string{"https://data/a.nc", "https://data/b.nc"},
			params:   []string{"format=image/tiff", "variables=sst"},
			want:     domain.StagingLocation{Bucket: "staging", Prefix: "public/svc"},
		},
		{
			name:     "explicit staging",
			callback: "http://coordinator/service/1",
			staging:  "s3://other/out/",
			inputs:   []string{"https://data/a.nc"},
			want:     domain.StagingLocation{Bucket: "other", Prefix: "out"},
		},
		{name: "no callback", inputs: []string{"https://data/a.nc"}, errString: "-callback-url"},
		{name: "no inputs", callback: "http://c/s/1", errString: "-input"},
		{name: "bad param", callback: "http://c/s/1", inputs: []string{"https://data/a.nc"}, params: []string{"format"}, errString: "key=value"},
		{name: "bad staging", callback: "http://c/s/1", inputs: []string{"https://data/a.nc"}, staging: "/tmp/out", errString: "s3://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := buildJob(testConfig(), "", tt.callback, tt.staging, tt.inputs, tt.params)
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, job.ID)
			assert.Equal(t, tt.want, job.Staging)
			assert.Len(t, job.Inputs, len(tt.inputs))
			assert.Equal(t, "G1", job.Inputs[0].ID)
		})
	}
}

func TestEncodeMessage_DecodesWithSharedKey(t *testing.T) {
	key := bytes.Repeat([]byte{9}, vault.KeySize)
	job, err := buildJob(testConfig(), "0f8e6f57-5b6f-4c8c-9a55-0cfd5b8f9a11", "http://coordinator/service/1", "", []string{"https://data/a.nc"}, []string{"format=image/png"})
	require.NoError(t, err)

	body, err := encodeMessage(job, "edl-token", false, key)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.NotContains(t, raw, "access_token")
	assert.NotContains(t, string(body), "edl-token")

	v := vault.New(vault.Config{Key: key}, logger.NewNop().Logger)
	decoded, err := codec.New(v, codec.Options{}).Decode(body)
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, domain.StrategyEmbeddedToken, decoded.Credential.Kind)
	assert.Equal(t, "edl-token", decoded.Credential.Token)
	assert.Equal(t, "image/png", decoded.Parameters["format"])
}

func TestEncodeMessage_Tokens(t *testing.T) {
	job, err := buildJob(testConfig(), "", "http://coordinator/service/1", "", []string{"https://data/a.nc"}, nil)
	require.NoError(t, err)

	body, err := encodeMessage(job, "edl-token", true, nil)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Equal(t, "edl-token", raw["access_token"])

	_, err = encodeMessage(job, "edl-token", false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-plain")

	body, err = encodeMessage(job, "", false, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "token")
}
