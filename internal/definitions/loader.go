// Package definitions reads workflow definitions from YAML files. A file may
// hold several definitions as separate YAML documents.
package definitions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"taskflow/backend/pkg/models"
)

// Decode reads every YAML document from r as one definition. Empty
// documents are skipped.
func Decode(r io.Reader) ([]*models.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs []*models.WorkflowDefinition
	for i := 0; ; i++ {
		var def models.WorkflowDefinition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			return defs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		if def.ID == "" && len(def.Tasks) == 0 {
			continue
		}
		defs = append(defs, &def)
	}
}

// LoadFile decodes the definitions in path.
func LoadFile(path string) ([]*models.WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	defs, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Definer stores a definition; *services.WorkflowService implements it.
type Definer interface {
	DefineWorkflow(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, bool, error)
}

// Result summarizes a Load.
type Result struct {
	Created   int
	Unchanged int
}

// Load stores every definition found in paths, stopping at the first error.
func Load(ctx context.Context, d Definer, paths ...string) (Result, error) {
	var res Result
	for _, path := range paths {
		defs, err := LoadFile(path)
		if err != nil {
			return res, err
		}
		for _, def := range defs {
			_, created, err := d.DefineWorkflow(ctx, def)
			if err != nil {
				return res, fmt.Errorf("%s: workflow %q: %w", path, def.ID, err)
			}
			if created {
				res.Created++
			} else {
				res.Unchanged++
			}
		}
	}
	return res, nil
}
