package codec

import (
	"encoding/json"
	"strings"
)

// Envelope holds the fields needed to report a failure for a message that
// could not be fully decoded
type Envelope struct {
	JobID       string `json:"job_id"`
	CallbackURL string `json:"callback_url"`
}

// DecodeEnvelope extracts the job id and callback URL on a best-effort basis.
// ok is false when no usable callback URL is present.
func DecodeEnvelope(raw []byte) (env Envelope, ok bool) {
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false
	}
	env.JobID = strings.TrimSpace(env.JobID)
	env.CallbackURL = strings.TrimSpace(env.CallbackURL)
	if env.JobID == "" || validateCallbackURL(env.CallbackURL) != nil {
		return env, false
	}
	return env, true
}
