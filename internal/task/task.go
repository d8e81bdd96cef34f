// Package task holds the fixed per-task constants used to launch a
// classification run: the effective batch size, the data subdirectory and
// the prompt template handed to the trainer.
package task

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTask is returned when a task name is not in the registry.
var ErrUnknownTask = errors.New("unknown task")

// Spec describes one supported classification task.
type Spec struct {
	// Name is the task identifier passed as --task_name.
	Name string `json:"name"`

	// BatchSize is the effective batch size. The values keep the sampling
	// rates of the different datasets in the same ballpark.
	BatchSize int `json:"batch_size"`

	// DataDirSuffix is appended to the base data directory.
	DataDirSuffix string `json:"data_dir_suffix"`

	// Template is the prompt template passed as --template.
	Template string `json:"template"`
}

// registry is ordered; Names relies on that order.
var registry = []Spec{
	{
		Name:          "sst-2",
		BatchSize:     1000,
		DataDirSuffix: "GLUE-SST-2",
		Template:      "*cls**sent_0*_It_was*mask*.*sep+*",
	},
	{
		Name:          "mnli",
		BatchSize:     6000,
		DataDirSuffix: "MNLI",
		Template:      "*cls**sent-_0*?*mask*,*+sentl_1**sep+*",
	},
	{
		Name:          "qqp",
		BatchSize:     6000,
		DataDirSuffix: "QQP",
		Template:      "*cls**sent-_0**mask*,*+sentl_1**sep+*",
	},
	{
		Name:          "qnli",
		BatchSize:     2000,
		DataDirSuffix: "QNLI",
		Template:      "*cls**sent-_0*?*mask*,*+sentl_1**sep+*",
	},
}

// Lookup returns the Spec for name.
func Lookup(name string) (Spec, error) {
	for _, s := range registry {
		if s.Name == name {
			return s, nil
		}
	}
	return Spec{}, fmt.Errorf("%w %q (known tasks: %s)", ErrUnknownTask, name, strings.Join(Names(), ", "))
}

// Names returns the supported task names in registry order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for _, s := range registry {
		names = append(names, s.Name)
	}
	return names
}

// All returns a copy of every registered Spec.
func All() []Spec {
	out := make([]Spec, len(registry))
	copy(out, registry)
	return out
}

// GradientAccumulationSteps is floor(BatchSize / perDevice). Exact
// divisibility is not required.
func (s Spec) GradientAccumulationSteps(perDevice int) (int, error) {
	if perDevice <= 0 {
		return 0, fmt.Errorf("per_device_train_batch_size must be positive, got %d", perDevice)
	}
	return s.BatchSize / perDevice, nil
}

// DataDir joins the base data directory with the task suffix. A plain
// slash is used so the flag value is identical on every platform.
func (s Spec) DataDir(base string) string {
	return base + "/" + s.DataDirSuffix
}
