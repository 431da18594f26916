package domain

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
)

// Job is the immutable unit of work decoded from an inbound message
type Job struct {
	ID             string
	User           string
	Inputs         []InputDescriptor
	Parameters     map[string]string
	OperateInPlace bool
	Staging        StagingLocation
	CallbackURL    string
	Credential     CredentialStrategy
}

// InputDescriptor names one remote input of a job
type InputDescriptor struct {
	ID   string
	URL  string
	Name string
}

// StagingLocation is the bucket and key prefix outputs are staged under
type StagingLocation struct {
	Bucket string
	Prefix string
}

// String renders the location as an s3 URL
func (l StagingLocation) String() string {
	if l.Prefix == "" {
		return fmt.Sprintf("s3://%s/", l.Bucket)
	}
	return fmt.Sprintf("s3://%s/%s/", l.Bucket, l.Prefix)
}

// KeyFor derives the remote key for an artifact. Keys are unique per job, role and name,
// so redelivered jobs overwrite their own objects and never another job's.
func (l StagingLocation) KeyFor(jobID, role, name string) string {
	parts := make([]string, 0, 4)
	if l.Prefix != "" {
		parts = append(parts, l.Prefix)
	}
	parts = append(parts, jobID, role, name)
	return path.Join(parts...)
}

// StrategyKind tags how a job's credential is obtained
type StrategyKind int

const (
	StrategyNone StrategyKind = iota
	StrategyEmbeddedToken
	StrategyBearerToken
	StrategyOAuthFallback
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyEmbeddedToken:
		return "embedded"
	case StrategyBearerToken:
		return "bearer"
	case StrategyOAuthFallback:
		return "fallback"
	default:
		return "none"
	}
}

// CredentialStrategy is selected once per job from configuration and message content.
// Token is set only for the embedded and bearer kinds.
type CredentialStrategy struct {
	Kind  StrategyKind
	Token string
}

// LogValue keeps the token out of logs
func (s CredentialStrategy) LogValue() slog.Value {
	return slog.StringValue(s.Kind.String())
}

// ResolvedCredential is the bearer token a job's requests are made with
type ResolvedCredential struct {
	Token  string
	Source StrategyKind
	Expiry time.Time
}

// NoCredential is used for jobs that need no authentication
var NoCredential = &ResolvedCredential{Source: StrategyNone}

// HasToken reports whether requests should carry an Authorization header
func (c *ResolvedCredential) HasToken() bool {
	return c != nil && c.Token != ""
}

// ExpiresWithin reports whether a known expiry falls inside the given margin
func (c *ResolvedCredential) ExpiresWithin(margin time.Duration, now time.Time) bool {
	if c == nil || c.Expiry.IsZero() {
		return false
	}
	return !now.Add(margin).Before(c.Expiry)
}

// String redacts the token
func (c *ResolvedCredential) String() string {
	if c == nil {
		return "credential(none)"
	}
	return fmt.Sprintf("credential(%s)", c.Source)
}

// LogValue keeps the token out of logs
func (c *ResolvedCredential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// InputResource is a fetched input
type InputResource struct {
	Descriptor InputDescriptor
	LocalPath  string
	Size       int64
	Duration   time.Duration
	// Owned is false when the input is a local file used in place
	Owned bool
}

// OutputArtifact is a file produced by the transformation step
type OutputArtifact struct {
	Path     string
	Name     string
	MimeType string
	Role     string
	Optional bool
}

// StagedObject is an artifact uploaded to durable storage
type StagedObject struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	URL          string `json:"href"`
	PresignedURL string `json:"presigned_href,omitempty"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum,omitempty"`
	MimeType     string `json:"type"`
	Role         string `json:"role"`
	Name         string `json:"title"`
}

// AccessURL is the URL reported to the coordinator
func (o *StagedObject) AccessURL() string {
	if o.PresignedURL != "" {
		return o.PresignedURL
	}
	return o.URL
}

// SanitizeName reduces a remote name to a safe single path element
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
