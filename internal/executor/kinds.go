package executor

import (
	"net/http"

	"taskflow/backend/pkg/models"
)

// NewDefaultRegistry registers the built-in kinds with the package defaults.
// Use Configure to override them.
func NewDefaultRegistry(client *http.Client) *Registry {
	r := NewRegistry()
	Register(r, string(models.TaskTypePython), Settings{}, runStep)
	Register(r, string(models.TaskTypeHTTP), Settings{}, NewHTTPHandler(client))
	Register(r, string(models.TaskTypeBranch), Settings{}, runBranch)
	return r
}
