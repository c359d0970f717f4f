// Package models defines the domain models for the workflow engine
package models

import (
	"time"
)

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Runs      map[RunStatus]int `json:"runs,omitempty"`
	Workers   *WorkerLoad       `json:"workers,omitempty"`
}

// WorkerLoad is the worker pool's current occupancy.
type WorkerLoad struct {
	Size       int `json:"size"`
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	ActiveRuns int `json:"activeRuns"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// TaskKindInfo describes a registered task kind for clients building definitions.
type TaskKindInfo struct {
	Name        string `json:"name"`
	Timeout     string `json:"timeout"`
	MaxAttempts int    `json:"maxAttempts"`
	Params      any    `json:"params"`
}
