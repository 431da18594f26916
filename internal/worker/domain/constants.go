package domain

// Job status constants recorded in the ledger
const (
	JobStatusRunning    = "RUNNING"
	JobStatusSuccessful = "SUCCESSFUL"
	JobStatusFailed     = "FAILED"
	JobStatusCanceled   = "CANCELED"
)

// IsTerminalStatus reports whether a ledger status ends the job
func IsTerminalStatus(status string) bool {
	return status == JobStatusSuccessful || status == JobStatusFailed || status == JobStatusCanceled
}

// Callback status values sent to the coordinator
const (
	CallbackStatusRunning    = "running"
	CallbackStatusSuccessful = "successful"
	CallbackStatusFailed     = "failed"
)

// Artifact roles declared by the transformation tool
const (
	RolePrimary  = "primary"
	RoleMetadata = "metadata"
)

// Environments that suppress real callbacks and staging
const (
	EnvironmentDev  = "dev"
	EnvironmentTest = "test"
)

// IsLocalEnvironment reports whether the environment substitutes local equivalents
// for callbacks and staging.
func IsLocalEnvironment(env string) bool {
	return env == EnvironmentDev || env == EnvironmentTest
}
