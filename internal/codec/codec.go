package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
)

// Decrypter opens embedded access tokens
type Decrypter interface {
	Decrypt(cipherText string) (string, error)
}

// Options are the deployment settings that influence decoding
type Options struct {
	FallbackEnabled bool
	// DefaultBucket and DefaultPrefix resolve relative staging locations
	DefaultBucket string
	DefaultPrefix string
}

// Codec decodes inbound job messages into jobs. It performs no network I/O.
type Codec struct {
	decrypter Decrypter
	options   Options
	validate  *validator.Validate
}

type inputMessage struct {
	ID   string `json:"id,omitempty"`
	URL  string `json:"url" validate:"required"`
	Name string `json:"name,omitempty"`
}

type jobMessage struct {
	JobID                string         `json:"job_id" validate:"required,uuid"`
	CallbackURL          string         `json:"callback_url" validate:"required,url"`
	StagingLocation      string         `json:"staging_location" validate:"required"`
	User                 string         `json:"user,omitempty"`
	Inputs               []inputMessage `json:"inputs" validate:"dive"`
	OperateInPlace       bool           `json:"operate_in_place,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	EncryptedAccessToken *string        `json:"encrypted_access_token,omitempty"`
	AccessToken          *string        `json:"access_token,omitempty"`
}

// New creates a codec
func New(decrypter Decrypter, options Options) *Codec {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Codec{
		decrypter: decrypter,
		options:   options,
		validate:  v,
	}
}

// Decode parses and validates a raw message. An encrypted token is decrypted here;
// failure to decrypt is fatal for the job.
func (c *Codec) Decode(raw []byte) (*domain.Job, error) {
	var msg jobMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&msg); err != nil {
		return nil, &domain.DecodeError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}

	if err := c.validate.Struct(&msg); err != nil {
		return nil, toDecodeError(err)
	}

	if err := validateCallbackURL(msg.CallbackURL); err != nil {
		return nil, err
	}

	if len(msg.Inputs) == 0 && !msg.OperateInPlace {
		return nil, &domain.DecodeError{Field: "inputs", Reason: "at least one input is required unless operate_in_place is set"}
	}

	staging, err := c.resolveStaging(msg.StagingLocation)
	if err != nil {
		return nil, err
	}

	inputs, err := toInputs(msg.Inputs)
	if err != nil {
		return nil, err
	}

	params, err := toParameters(msg.Parameters)
	if err != nil {
		return nil, err
	}

	credential, err := c.selectCredential(msg.EncryptedAccessToken, msg.AccessToken)
	if err != nil {
		return nil, err
	}

	return &domain.Job{
		ID:             strings.ToLower(msg.JobID),
		User:           msg.User,
		Inputs:         inputs,
		Parameters:     params,
		OperateInPlace: msg.OperateInPlace,
		Staging:        staging,
		CallbackURL:    msg.CallbackURL,
		Credential:     credential,
	}, nil
}

// Encode writes the job's addressable fields. Credentials are never encoded.
func (c *Codec) Encode(job *domain.Job) ([]byte, error) {
	msg := jobMessage{
		JobID:           job.ID,
		CallbackURL:     job.CallbackURL,
		StagingLocation: job.Staging.String(),
		User:            job.User,
		OperateInPlace:  job.OperateInPlace,
		Inputs:          make([]inputMessage, 0, len(job.Inputs)),
	}
	for _, in := range job.Inputs {
		msg.Inputs = append(msg.Inputs, inputMessage{ID: in.ID, URL: in.URL, Name: in.Name})
	}
	if len(job.Parameters) > 0 {
		msg.Parameters = make(map[string]any, len(job.Parameters))
		for k, v := range job.Parameters {
			msg.Parameters[k] = v
		}
	}

	data, err := json.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return data, nil
}

// selectCredential picks exactly one strategy from message content and configuration
func (c *Codec) selectCredential(encrypted, plain *string) (domain.CredentialStrategy, error) {
	switch {
	case encrypted != nil && plain != nil:
		return domain.CredentialStrategy{}, &domain.DecodeError{
			Field:  "access_token",
			Reason: "message carries both an encrypted and a plain access token",
		}
	case encrypted != nil:
		if c.decrypter == nil {
			return domain.CredentialStrategy{}, &domain.DecryptError{Reason: "no decryption key configured"}
		}
		token, err := c.decrypter.Decrypt(*encrypted)
		if err != nil {
			var decryptErr *domain.DecryptError
			if errors.As(err, &decryptErr) {
				return domain.CredentialStrategy{}, decryptErr
			}
			return domain.CredentialStrategy{}, &domain.DecryptError{Reason: err.Error()}
		}
		return domain.CredentialStrategy{Kind: domain.StrategyEmbeddedToken, Token: token}, nil
	case plain != nil:
		if strings.TrimSpace(*plain) == "" {
			return domain.CredentialStrategy{}, &domain.DecodeError{Field: "access_token", Reason: "must not be empty"}
		}
		return domain.CredentialStrategy{Kind: domain.StrategyBearerToken, Token: *plain}, nil
	case c.options.FallbackEnabled:
		return domain.CredentialStrategy{Kind: domain.StrategyOAuthFallback}, nil
	default:
		return domain.CredentialStrategy{Kind: domain.StrategyNone}, nil
	}
}

func (c *Codec) resolveStaging(location string) (domain.StagingLocation, error) {
	location = strings.TrimSpace(location)

	if strings.Contains(location, "://") {
		u, err := url.Parse(location)
		if err != nil || u.Scheme != "s3" || u.Host == "" {
			return domain.StagingLocation{}, &domain.DecodeError{Field: "staging_location", Reason: "must be an s3://bucket/prefix URL or a relative prefix"}
		}
		prefix, err := cleanPrefix(u.Path)
		if err != nil {
			return domain.StagingLocation{}, err
		}
		return domain.StagingLocation{Bucket: u.Host, Prefix: prefix}, nil
	}

	if c.options.DefaultBucket == "" {
		return domain.StagingLocation{}, &domain.DecodeError{Field: "staging_location", Reason: "relative prefix requires a configured staging bucket"}
	}
	prefix, err := cleanPrefix(path.Join(c.options.DefaultPrefix, location))
	if err != nil {
		return domain.StagingLocation{}, err
	}
	return domain.StagingLocation{Bucket: c.options.DefaultBucket, Prefix: prefix}, nil
}

func cleanPrefix(p string) (string, error) {
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", &domain.DecodeError{Field: "staging_location", Reason: "must not contain '..'"}
		}
	}
	cleaned := strings.Trim(path.Clean("/"+p), "/")
	return cleaned, nil
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &domain.DecodeError{Field: "callback_url", Reason: "must be an absolute http(s) URL"}
	}
	return nil
}

func toInputs(msgs []inputMessage) ([]domain.InputDescriptor, error) {
	inputs := make([]domain.InputDescriptor, 0, len(msgs))
	for i, m := range msgs {
		in := domain.InputDescriptor{
			ID:   strings.TrimSpace(m.ID),
			URL:  strings.TrimSpace(m.URL),
			Name: domain.SanitizeName(m.Name),
		}
		if in.URL == "" {
			return nil, &domain.DecodeError{Field: fmt.Sprintf("inputs[%d].url", i), Reason: "is required"}
		}
		if in.ID == "" {
			in.ID = fmt.Sprintf("input-%d", i)
		}
		if in.Name == "" {
			in.Name = nameFromURL(in.URL)
		}
		if in.Name == "" {
			return nil, &domain.DecodeError{Field: fmt.Sprintf("inputs[%d].name", i), Reason: "cannot be derived from url"}
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return domain.SanitizeName(raw)
	}
	if u.Path == "" {
		return domain.SanitizeName(u.Opaque)
	}
	return domain.SanitizeName(u.Path)
}

// toParameters flattens parameter values to strings. Non-string values keep their JSON form.
func toParameters(raw map[string]any) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return nil, &domain.DecodeError{Field: "parameters", Reason: "keys must not be empty"}
		}
		switch v := raw[k].(type) {
		case string:
			params[k] = v
		case nil:
			continue
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, &domain.DecodeError{Field: "parameters." + k, Reason: err.Error()}
			}
			params[k] = string(data)
		}
	}
	return params, nil
}

func toDecodeError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return &domain.DecodeError{Reason: err.Error()}
	}

	e := validationErrs[0]
	field := e.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	var reason string
	switch e.Tag() {
	case "required":
		reason = "is required"
	case "uuid":
		reason = "must be a UUID"
	case "url":
		reason = "must be a valid URL"
	default:
		reason = "is invalid: " + e.Tag()
	}
	return &domain.DecodeError{Field: field, Reason: reason}
}
