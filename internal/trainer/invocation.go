// Package trainer builds and runs invocations of the external
// classification trainer (python -m classification.run_classification).
//
// The flag set, flag spelling and value rendering are fixed by the trainer.
// Build is a pure function of the layout and Params. Format reproduces the
// exact text the launcher has always printed. Parse reads any rendering back.
package trainer

import (
	"fmt"
	"strconv"
	"strings"

	"dpsweep/internal/task"
)

const (
	// DefaultPython is the interpreter used when none is configured.
	DefaultPython = "python"

	// DefaultModule is the trainer entry point.
	DefaultModule = "classification.run_classification"
)

// Layout selects one of the two trainer flag sets.
type Layout string

const (
	// LayoutExplicit runs with an explicit freeze schedule and process id.
	// Epochs and clip norm are pinned; the epoch value goes to --num_epoch.
	LayoutExplicit Layout = "explicit"

	// LayoutSearch is used by the hyperparameter grid. Epochs, clip norm,
	// momentum, seed, eval batch size and weight decay are all emitted.
	LayoutSearch Layout = "search"
)

// ParseLayout validates a layout name.
func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case LayoutExplicit, LayoutSearch:
		return Layout(s), nil
	}
	return "", fmt.Errorf("unknown layout %q (want %q or %q)", s, LayoutExplicit, LayoutSearch)
}

// Flag is one --name [value] pair. An empty Value is a bare switch.
type Flag struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

func (f Flag) tokens() []string {
	if f.Value == "" {
		return []string{"--" + f.Name}
	}
	return []string{"--" + f.Name, f.Value}
}

// Invocation is a fully resolved trainer command line.
type Invocation struct {
	Python string `json:"python"`
	Module string `json:"module"`
	Task   string `json:"task"`
	Layout Layout `json:"layout,omitempty"`

	// lines groups flags the way they are printed.
	lines [][]Flag
}

// Flags returns the flags in order, including repeated names.
func (inv *Invocation) Flags() []Flag {
	var out []Flag
	for _, line := range inv.lines {
		out = append(out, line...)
	}
	return out
}

// Lookup returns the last value given for name, as argparse would see it.
func (inv *Invocation) Lookup(name string) (string, bool) {
	value, found := "", false
	for _, f := range inv.Flags() {
		if f.Name == name {
			value, found = f.Value, true
		}
	}
	return value, found
}

// Args is the argument vector passed to the interpreter.
func (inv *Invocation) Args() []string {
	args := []string{"-m", inv.Module}
	for _, f := range inv.Flags() {
		args = append(args, f.tokens()...)
	}
	return args
}

func (inv *Invocation) head() string {
	return inv.Python + " -m " + inv.Module
}

func (inv *Invocation) lineStrings() []string {
	out := make([]string, 0, len(inv.lines))
	for _, line := range inv.lines {
		var toks []string
		for _, f := range line {
			toks = append(toks, f.tokens()...)
		}
		out = append(out, "  "+strings.Join(toks, " "))
	}
	return out
}

// Format returns the command exactly as the launcher has always printed
// it: a leading newline, flag groups joined by the spaces left over from
// backslash continuations, and a trailing newline plus indentation.
func (inv *Invocation) Format() string {
	return "\n" + inv.head() + " " + strings.Join(inv.lineStrings(), " ") + "\n    "
}

// Multiline returns a shell-pasteable rendering with one flag group per
// line.
func (inv *Invocation) Multiline() string {
	parts := append([]string{inv.head()}, inv.lineStrings()...)
	return strings.Join(parts, " \\\n") + "\n"
}

// String is the single-line form used in logs.
func (inv *Invocation) String() string {
	return strings.Join(append([]string{inv.Python}, inv.Args()...), " ")
}

// BuildOption adjusts the interpreter or module of a built Invocation.
type BuildOption func(*Invocation)

// WithPython overrides the interpreter binary.
func WithPython(python string) BuildOption {
	return func(inv *Invocation) {
		if python != "" {
			inv.Python = python
		}
	}
}

// WithModule overrides the trainer module.
func WithModule(module string) BuildOption {
	return func(inv *Invocation) {
		if module != "" {
			inv.Module = module
		}
	}
}

// Build resolves the task constants and assembles the trainer invocation.
func Build(layout Layout, p Params, opts ...BuildOption) (*Invocation, error) {
	if _, err := ParseLayout(string(layout)); err != nil {
		return nil, err
	}
	spec, err := task.Lookup(p.TaskName)
	if err != nil {
		return nil, err
	}
	steps, err := spec.GradientAccumulationSteps(p.PerDeviceTrainBatchSize)
	if err != nil {
		return nil, err
	}
	if err := checkValues(p); err != nil {
		return nil, err
	}

	epochs, clip := "6", "0.1"
	if layout == LayoutSearch {
		epochs, clip = p.Epoch.String(), p.Clip.String()
	}

	lines := [][]Flag{
		{{"task_name", p.TaskName}},
		{{"data_dir", spec.DataDir(p.DataDir)}},
		{{"output_dir", p.OutputDir}},
		{{"overwrite_output_dir", ""}},
		{{"model_name_or_path", p.ModelNameOrPath}},
		{{"few_shot_type", p.FewShotType}},
		{{"num_k", "1"}},
		{{"num_sample", "1"}, {"seed", "0"}},
		{{"template", spec.Template}},
		{{"non_private", p.NonPrivate}},
		{{"num_train_epochs", epochs}},
		{{"target_epsilon", p.TargetEpsilon.String()}},
		{{"per_device_train_batch_size", strconv.Itoa(p.PerDeviceTrainBatchSize)}},
		{{"gradient_accumulation_steps", strconv.Itoa(steps)}},
		{{"per_device_eval_batch_size", "8"}},
		{{"per_example_max_grad_norm", clip}, {"ghost_clipping", p.GhostClipping}},
		{{"learning_rate", "0.0005"}},
		{{"lr_decay", "yes"}},
		{{"adam_epsilon", "1e-08"}},
		{{"weight_decay", "0"}},
		{{"max_seq_len", "256"}},
		{{"evaluation_strategy", "steps"}, {"eval_steps", strconv.Itoa(p.EvalSteps)}, {"evaluate_before_training", "True"}},
		{{"do_train", ""}, {"do_eval", ""}},
		{{"first_sent_limit", "200"}, {"other_sent_limit", "200"}, {"truncate_head", "yes"}},
		{{"freeze_end", strconv.Itoa(p.FreezeEnd)}},
		{{"freeze_rate", p.FreezeRate.String()}},
	}

	switch layout {
	case LayoutExplicit:
		lines = append(lines,
			[]Flag{{"process", strconv.Itoa(p.Process)}},
			[]Flag{{"num_epoch", p.Epoch.String()}},
		)
	case LayoutSearch:
		lines = append(lines,
			[]Flag{{"seed", strconv.Itoa(p.Seed)}},
			[]Flag{{"adam_beta1", p.Momentum.String()}},
			[]Flag{{"per_device_eval_batch_size", strconv.Itoa(p.PerDeviceEvalBatchSize)}},
			[]Flag{{"weight_decay", p.WeightDecay.String()}},
		)
	}

	inv := &Invocation{
		Python: DefaultPython,
		Module: DefaultModule,
		Task:   p.TaskName,
		Layout: layout,
		lines:  lines,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv, nil
}

// checkValues rejects string values the printed command could not carry:
// empty values would turn into bare switches, whitespace would split into
// separate arguments and a leading dash would read as another flag.
func checkValues(p Params) error {
	fields := []struct{ name, value string }{
		{"output_dir", p.OutputDir},
		{"model_name_or_path", p.ModelNameOrPath},
		{"data_dir", p.DataDir},
		{"few_shot_type", p.FewShotType},
		{"non_private", p.NonPrivate},
		{"ghost_clipping", p.GhostClipping},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
		if strings.ContainsAny(f.value, " \t\r\n") {
			return fmt.Errorf("%s %q must not contain whitespace", f.name, f.value)
		}
		if strings.HasPrefix(f.value, "-") {
			return fmt.Errorf("%s %q must not start with '-'", f.name, f.value)
		}
	}
	return nil
}
