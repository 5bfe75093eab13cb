package schema

// Domain event types published by the vault.
const (
	EventCredentialsStored    = "credentials.stored"
	EventCredentialsDeleted   = "credentials.deleted"
	EventCredentialsRefreshed = "credentials.refreshed"
	EventCredentialsRotated   = "credentials.rotated"
)
