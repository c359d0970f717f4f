package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/backend/pkg/models"
)

func task(name string, deps ...string) models.TaskSpec {
	return models.TaskSpec{Name: name, Type: models.TaskTypePython, Dependencies: deps}
}

func TestBuild_ValidGraph(t *testing.T) {
	g, err := Build([]models.TaskSpec{
		task("extract"),
		task("transform", "extract"),
		task("load", "transform"),
		task("notify", "extract", "load"),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []int{0, 2}, g.Dependencies(3))
	assert.True(t, g.IsDependent("extract", "transform"))
	assert.False(t, g.IsDependent("transform", "extract"))
	assert.False(t, g.IsDependent("missing", "extract"))
	assert.True(t, g.IsDependent("extract", "notify"))
	assert.Equal(t, "load", g.Task(2).Name)
}

func TestBuild_DuplicateDependencyCollapsed(t *testing.T) {
	g, err := Build([]models.TaskSpec{task("a"), task("b", "a", "a")})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, g.Dependencies(1))
	assert.True(t, g.IsDependent("a", "b"))
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name  string
		tasks []models.TaskSpec
		check func(t *testing.T, err error)
	}{
		{
			name:  "empty name",
			tasks: []models.TaskSpec{task("a"), task("")},
			check: func(t *testing.T, err error) {
				var target *InvalidTaskError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, 1, target.Index)
			},
		},
		{
			name:  "duplicate name",
			tasks: []models.TaskSpec{task("a"), task("a")},
			check: func(t *testing.T, err error) {
				var target *DuplicateTaskNameError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "a", target.Name)
			},
		},
		{
			name:  "unknown dependency",
			tasks: []models.TaskSpec{task("a", "ghost")},
			check: func(t *testing.T, err error) {
				var target *UnknownDependencyError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "a", target.Task)
				assert.Equal(t, "ghost", target.Dependency)
			},
		},
		{
			name:  "two node cycle",
			tasks: []models.TaskSpec{task("a", "b"), task("b", "a")},
			check: func(t *testing.T, err error) {
				var target *CycleError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, []string{"a", "b", "a"}, target.Path)
				assert.Equal(t, "dependency cycle: a -> b -> a", err.Error())
			},
		},
		{
			name:  "self loop",
			tasks: []models.TaskSpec{task("a", "a")},
			check: func(t *testing.T, err error) {
				var target *CycleError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, []string{"a", "a"}, target.Path)
			},
		},
		{
			name: "cycle behind an acyclic prefix",
			tasks: []models.TaskSpec{
				task("start"),
				task("x", "start", "z"),
				task("y", "x"),
				task("z", "y"),
			},
			check: func(t *testing.T, err error) {
				var target *CycleError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, []string{"x", "z", "y", "x"}, target.Path)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.tasks)
			assert.Nil(t, g)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDefinition))
			tt.check(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:    "etl",
		Tasks: []models.TaskSpec{task("a"), task("b", "a")},
	}
	assert.NoError(t, Validate(def))

	def.Tasks = append(def.Tasks, task("c", "missing"))
	assert.ErrorIs(t, Validate(def), ErrInvalidDefinition)
}

func TestValidate_EmptyDefinition(t *testing.T) {
	assert.NoError(t, Validate(&models.WorkflowDefinition{ID: "empty"}))
}

func TestTopologicalOrder(t *testing.T) {
	g, err := Build([]models.TaskSpec{
		task("report", "b", "c"),
		task("b", "a"),
		task("c", "a"),
		task("a"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "report"}, g.TopologicalOrder())
}

func TestBranchTargetError(t *testing.T) {
	err := &InvalidBranchTargetError{Task: "decide", Target: "elsewhere"}
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "decide")
}
