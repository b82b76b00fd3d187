// Package config carries the scheduler's configuration surface (spec §6):
// model constraints, queue policy, and priority-level layout. Structs carry
// yaml tags in the style of the teacher's scheduler plugin configuration
// (pkg/infer-gateway/scheduler/plugins/conf/conf.go) so a deployment can
// load them from a ConfigMap-mounted file with gopkg.in/yaml.v3.
package config

import (
	"time"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

// ShapeTensorSpec records, for one input name, whether it participates in
// batch-equality checks by shape only or by shape-and-value.
type ShapeTensorSpec struct {
	Name          string `yaml:"name"`
	IsValueTensor bool   `yaml:"isValueTensor,omitempty"`
}

// DeclaredInput is config's YAML-friendly alias for request.DeclaredInput,
// letting a deployment declare the model's input schema so Request.Validate
// can check names and dtypes at enqueue time (spec §4.4).
type DeclaredInput = request.DeclaredInput

// QueuePolicy mirrors queue.Policy in a YAML-friendly shape; scheduler
// construction converts it via queue.PolicyFromConfig.
type QueuePolicy struct {
	MaxQueueSize         int           `yaml:"maxQueueSize,omitempty"`
	DefaultTimeout       time.Duration `yaml:"defaultTimeout,omitempty"`
	QueueFullAction      string        `yaml:"queueFullAction,omitempty"` // "reject" | "dropOldest"
	TimeoutAction        string        `yaml:"timeoutAction,omitempty"`   // "reject" | "delay"
	AllowTimeoutOverride bool          `yaml:"allowTimeoutOverride,omitempty"`
}

// ModelConstraints is the immutable-per-scheduler set of batching rules
// described in spec §3.
type ModelConstraints struct {
	// MaxBatchSize of 0 disables batching: every request is its own
	// batch.
	MaxBatchSize int64 `yaml:"maxBatchSize"`
	// PreferredBatchSizes must be sorted ascending; reaching one
	// triggers immediate dispatch.
	PreferredBatchSizes []int64 `yaml:"preferredBatchSizes,omitempty"`
	// MaxQueueDelay bounds how long the former may wait, once a
	// non-empty batch exists, hoping it grows further.
	MaxQueueDelay time.Duration `yaml:"maxQueueDelay,omitempty"`
	// EnforceEqualShapeTensors lists inputs that must agree across a
	// batch.
	EnforceEqualShapeTensors []ShapeTensorSpec `yaml:"enforceEqualShapeTensors,omitempty"`
	// DeclaredInputs, when set, lets Request.Validate check that every
	// enqueued request names each of the model's declared inputs with a
	// matching dtype (spec §4.4). Left empty, that half of validation is
	// skipped, since there is no schema to check names and dtypes
	// against.
	DeclaredInputs []DeclaredInput `yaml:"declaredInputs,omitempty"`
	// PreserveOrdering enables the response orderer stage.
	PreserveOrdering bool `yaml:"preserveOrdering,omitempty"`
	// DynamicBatchingEnabled; when false every request becomes a
	// 1-element batch and the former short-circuits.
	DynamicBatchingEnabled bool `yaml:"dynamicBatchingEnabled"`
}

// SchedulerConfig is the top-level configuration surface consumed by
// batchsched.Create.
type SchedulerConfig struct {
	RunnerCount      int                 `yaml:"runnerCount"`
	PriorityLevels   int                 `yaml:"priorityLevels,omitempty"`
	Model            ModelConstraints    `yaml:"model"`
	DefaultQueue     QueuePolicy         `yaml:"defaultQueuePolicy"`
	QueuePolicyByLvl map[int]QueuePolicy `yaml:"queuePolicyMap,omitempty"`
}
