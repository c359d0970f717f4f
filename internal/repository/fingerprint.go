package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"taskflow/backend/pkg/models"
)

// Fingerprint hashes the content of a definition, ignoring timestamps and
// the nil/empty distinction of collections, so two submissions of the same
// definition compare equal.
func Fingerprint(def *models.WorkflowDefinition) (string, error) {
	type task struct {
		Name         string         `json:"name"`
		Type         string         `json:"type"`
		Params       map[string]any `json:"params"`
		Dependencies []string       `json:"dependencies"`
	}
	content := struct {
		ID          string   `json:"id"`
		Version     string   `json:"version"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Owner       string   `json:"owner"`
		Tags        []string `json:"tags"`
		Tasks       []task   `json:"tasks"`
	}{
		ID:          def.ID,
		Version:     def.Version,
		Name:        def.Name,
		Description: def.Description,
		Owner:       def.Owner,
		Tags:        append([]string{}, def.Tags...),
		Tasks:       make([]task, len(def.Tasks)),
	}
	for i, t := range def.Tasks {
		params := t.Params
		if params == nil {
			params = map[string]any{}
		}
		content.Tasks[i] = task{
			Name:         t.Name,
			Type:         string(t.Type),
			Params:       params,
			Dependencies: append([]string{}, t.Dependencies...),
		}
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
