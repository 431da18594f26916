package codec

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transform-adapter/internal/vault"
	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

const testJobID = "2b1c8d0e-7f4a-4c3e-9a5b-1d2e3f405162"

type keyDecrypter struct {
	key []byte
}

func (d keyDecrypter) Decrypt(cipherText string) (string, error) {
	return vault.Decrypt(cipherText, d.key)
}

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, vault.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func baseMessage() map[string]any {
	return map[string]any{
		"job_id":           testJobID,
		"callback_url":     "https://coordinator.example/service/" + testJobID,
		"staging_location": "s3://staging-bucket/public/org/svc/" + testJobID + "/",
		"user":             "jdoe",
		"inputs": []map[string]any{
			{"id": "G123", "url": "https://data.example/granules/a.nc?version=2", "name": "a.nc"},
		},
		"parameters": map[string]any{"format": "image/tiff", "width": 512},
	}
}

func encode(t *testing.T, msg map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestDecode_Valid(t *testing.T) {
	c := New(keyDecrypter{key: newKey(t)}, Options{})

	job, err := c.Decode(encode(t, baseMessage()))
	require.NoError(t, err)

	assert.Equal(t, testJobID, job.ID)
	assert.Equal(t, "jdoe", job.User)
	assert.Equal(t, "https://coordinator.example/service/"+testJobID, job.CallbackURL)
	assert.Equal(t, domain.StagingLocation{Bucket: "staging-bucket", Prefix: "public/org/svc/" + testJobID}, job.Staging)
	require.Len(t, job.Inputs, 1)
	assert.Equal(t, domain.InputDescriptor{ID: "G123", URL: "https://data.example/granules/a.nc?version=2", Name: "a.nc"}, job.Inputs[0])
	assert.Equal(t, map[string]string{"format": "image/tiff", "width": "512"}, job.Parameters)
	assert.Equal(t, domain.StrategyNone, job.Credential.Kind)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(msg map[string]any)
		raw       []byte
		wantField string
	}{
		{name: "malformed json", raw: []byte(`{"job_id":`)},
		{name: "missing job id", mutate: func(m map[string]any) { delete(m, "job_id") }, wantField: "job_id"},
		{name: "job id not a uuid", mutate: func(m map[string]any) { m["job_id"] = "job-1" }, wantField: "job_id"},
		{name: "missing callback", mutate: func(m map[string]any) { delete(m, "callback_url") }, wantField: "callback_url"},
		{name: "relative callback", mutate: func(m map[string]any) { m["callback_url"] = "/service/1" }, wantField: "callback_url"},
		{name: "non http callback", mutate: func(m map[string]any) { m["callback_url"] = "ftp://coordinator.example/x" }, wantField: "callback_url"},
		{name: "missing staging", mutate: func(m map[string]any) { delete(m, "staging_location") }, wantField: "staging_location"},
		{name: "non s3 staging", mutate: func(m map[string]any) { m["staging_location"] = "gs://bucket/x" }, wantField: "staging_location"},
		{name: "relative staging without bucket", mutate: func(m map[string]any) { m["staging_location"] = "public/x" }, wantField: "staging_location"},
		{name: "staging traversal", mutate: func(m map[string]any) { m["staging_location"] = "s3://bucket/a/../../b" }, wantField: "staging_location"},
		{name: "no inputs", mutate: func(m map[string]any) { m["inputs"] = []any{} }, wantField: "inputs"},
		{name: "input without url", mutate: func(m map[string]any) {
			m["inputs"] = []map[string]any{{"id": "G1"}}
		}, wantField: "inputs[0].url"},
		{name: "both tokens", mutate: func(m map[string]any) {
			m["access_token"] = "plain"
			m["encrypted_access_token"] = "x:y"
		}, wantField: "access_token"},
		{name: "empty plain token", mutate: func(m map[string]any) { m["access_token"] = " " }, wantField: "access_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(nil, Options{})

			raw := tt.raw
			if raw == nil {
				msg := baseMessage()
				tt.mutate(msg)
				raw = encode(t, msg)
			}

			job, err := c.Decode(raw)
			assert.Nil(t, job)

			var decodeErr *domain.DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, tt.wantField, decodeErr.Field)
			assert.Equal(t, domain.CategoryMessage, domain.CategoryOf(err))
		})
	}
}

func TestDecode_OperateInPlaceAllowsNoInputs(t *testing.T) {
	msg := baseMessage()
	delete(msg, "inputs")
	msg["operate_in_place"] = true

	job, err := New(nil, Options{}).Decode(encode(t, msg))
	require.NoError(t, err)
	assert.True(t, job.OperateInPlace)
	assert.Empty(t, job.Inputs)
}

func TestDecode_RelativeStagingUsesConfiguredBucket(t *testing.T) {
	msg := baseMessage()
	msg["staging_location"] = "/org/svc/" + testJobID + "/"

	job, err := New(nil, Options{DefaultBucket: "stage", DefaultPrefix: "public"}).Decode(encode(t, msg))
	require.NoError(t, err)
	assert.Equal(t, domain.StagingLocation{Bucket: "stage", Prefix: "public/org/svc/" + testJobID}, job.Staging)
}

func TestDecode_DerivesInputDefaults(t *testing.T) {
	msg := baseMessage()
	msg["inputs"] = []map[string]any{
		{"url": "https://data.example/path/to/granule.h5?token=abc"},
		{"url": "s3://bucket/key/other.nc", "name": "../../etc/passwd"},
	}

	job, err := New(nil, Options{}).Decode(encode(t, msg))
	require.NoError(t, err)
	require.Len(t, job.Inputs, 2)
	assert.Equal(t, "input-0", job.Inputs[0].ID)
	assert.Equal(t, "granule.h5", job.Inputs[0].Name)
	assert.Equal(t, "passwd", job.Inputs[1].Name)
}

func TestDecode_CredentialStrategy(t *testing.T) {
	key := newKey(t)
	encrypted, err := vault.Encrypt("user-token", key)
	require.NoError(t, err)

	tests := []struct {
		name            string
		fallbackEnabled bool
		mutate          func(m map[string]any)
		wantKind        domain.StrategyKind
		wantToken       string
	}{
		{name: "embedded token", mutate: func(m map[string]any) { m["encrypted_access_token"] = encrypted }, wantKind: domain.StrategyEmbeddedToken, wantToken: "user-token"},
		{name: "embedded token wins over fallback", fallbackEnabled: true, mutate: func(m map[string]any) { m["encrypted_access_token"] = encrypted }, wantKind: domain.StrategyEmbeddedToken, wantToken: "user-token"},
		{name: "plain bearer token", mutate: func(m map[string]any) { m["access_token"] = "plain-token" }, wantKind: domain.StrategyBearerToken, wantToken: "plain-token"},
		{name: "plain token never falls back", fallbackEnabled: true, mutate: func(m map[string]any) { m["access_token"] = "plain-token" }, wantKind: domain.StrategyBearerToken, wantToken: "plain-token"},
		{name: "no token and fallback disabled", mutate: func(m map[string]any) {}, wantKind: domain.StrategyNone},
		{name: "no token and fallback enabled", fallbackEnabled: true, mutate: func(m map[string]any) {}, wantKind: domain.StrategyOAuthFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := baseMessage()
			tt.mutate(msg)

			job, err := New(keyDecrypter{key: key}, Options{FallbackEnabled: tt.fallbackEnabled}).Decode(encode(t, msg))
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, job.Credential.Kind)
			assert.Equal(t, tt.wantToken, job.Credential.Token)
		})
	}
}

func TestDecode_CorruptEncryptedToken(t *testing.T) {
	key := newKey(t)
	encrypted, err := vault.Encrypt("user-token", key)
	require.NoError(t, err)

	msg := baseMessage()
	msg["encrypted_access_token"] = encrypted[:len(encrypted)-4] + "AAAA"

	job, err := New(keyDecrypter{key: key}, Options{}).Decode(encode(t, msg))
	assert.Nil(t, job)

	var decryptErr *domain.DecryptError
	require.ErrorAs(t, err, &decryptErr)
	assert.Equal(t, domain.CategoryCredential, domain.CategoryOf(err))
}

func TestDecode_EncryptedTokenWithoutKey(t *testing.T) {
	msg := baseMessage()
	msg["encrypted_access_token"] = "bm9uY2U=:Ym94"

	_, err := New(nil, Options{}).Decode(encode(t, msg))

	var decryptErr *domain.DecryptError
	require.ErrorAs(t, err, &decryptErr)
}

func TestEncode_DecodeIsStable(t *testing.T) {
	key := newKey(t)
	encrypted, err := vault.Encrypt("user-token", key)
	require.NoError(t, err)

	messages := []map[string]any{baseMessage()}

	withToken := baseMessage()
	withToken["encrypted_access_token"] = encrypted
	messages = append(messages, withToken)

	inPlace := baseMessage()
	inPlace["operate_in_place"] = true
	inPlace["staging_location"] = "s3://bucket"
	inPlace["parameters"] = map[string]any{"bbox": []float64{-10, -5, 10, 5}, "subset": true}
	messages = append(messages, inPlace)

	c := New(keyDecrypter{key: key}, Options{})

	for i, msg := range messages {
		raw := encode(t, msg)

		first, err := c.Decode(raw)
		require.NoError(t, err, "message %d", i)
		again, err := c.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, first, again, "decoding identical input must be deterministic")

		encoded, err := c.Encode(first)
		require.NoError(t, err)
		assert.NotContains(t, string(encoded), "user-token")

		redecoded, err := c.Decode(encoded)
		require.NoError(t, err)

		first.Credential = domain.CredentialStrategy{}
		redecoded.Credential = domain.CredentialStrategy{}
		assert.Equal(t, first, redecoded)

		reencoded, err := c.Encode(redecoded)
		require.NoError(t, err)
		assert.JSONEq(t, string(encoded), string(reencoded))
	}
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantOK bool
	}{
		{name: "full message", raw: string(encode(t, baseMessage())), wantOK: true},
		{name: "invalid body with usable envelope", raw: `{"job_id":"abc","callback_url":"https://c.example/x","inputs":"oops"}`, wantOK: true},
		{name: "envelope only", raw: `{"job_id":"abc","callback_url":"https://c.example/x"}`, wantOK: true},
		{name: "missing callback", raw: `{"job_id":"abc"}`, wantOK: false},
		{name: "relative callback", raw: `{"job_id":"abc","callback_url":"/x"}`, wantOK: false},
		{name: "not json", raw: `<xml/>`, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := DecodeEnvelope([]byte(tt.raw))
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}
