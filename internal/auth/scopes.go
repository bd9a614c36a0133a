package auth

// Scopes accepted by the HTTP API.
const (
	ScopeActivitiesWrite = "activities:write"
	ScopeActivitiesRead  = "activities:read"
	ScopeSyncWrite       = "sync:write"
)
