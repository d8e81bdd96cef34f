package trainer

import (
	"fmt"
	"strconv"
	"strings"

	"dpsweep/internal/task"
)

// Parse reads a rendered command (Format, Multiline or String output)
// back into an Invocation. Each parsed flag gets its own group.
func Parse(command string) (*Invocation, error) {
	command = strings.ReplaceAll(command, "\\\r\n", " ")
	command = strings.ReplaceAll(command, "\\\n", " ")
	fields := strings.Fields(command)
	if len(fields) < 3 || fields[1] != "-m" {
		return nil, fmt.Errorf("parse command: expected \"<python> -m <module> ...\"")
	}

	inv := &Invocation{Python: fields[0], Module: fields[2]}
	rest := fields[3:]
	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		if !strings.HasPrefix(tok, "--") || len(tok) == 2 {
			return nil, fmt.Errorf("parse command: unexpected argument %q", tok)
		}
		f := Flag{Name: tok[2:]}
		if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "--") {
			f.Value = rest[i+1]
			i++
		}
		inv.lines = append(inv.lines, []Flag{f})
	}
	inv.Task, _ = inv.Lookup("task_name")
	return inv, nil
}

// ParamsFrom rebuilds the logical parameter set from an Invocation built
// with layout. Fields the layout does not emit keep their defaults.
// Repeated flags resolve to their last value.
func ParamsFrom(layout Layout, inv *Invocation) (Params, error) {
	if _, err := ParseLayout(string(layout)); err != nil {
		return Params{}, err
	}
	r := flagReader{inv: inv}
	p := DefaultParams()

	p.TaskName = r.str("task_name")
	if r.err != nil {
		return Params{}, r.err
	}
	spec, err := task.Lookup(p.TaskName)
	if err != nil {
		return Params{}, err
	}
	dataDir := r.str("data_dir")
	suffix := "/" + spec.DataDirSuffix
	if !strings.HasSuffix(dataDir, suffix) {
		r.fail(fmt.Errorf("--data_dir %q does not end in %q", dataDir, suffix))
	}
	p.DataDir = strings.TrimSuffix(dataDir, suffix)

	p.OutputDir = r.str("output_dir")
	p.ModelNameOrPath = r.str("model_name_or_path")
	p.FewShotType = r.str("few_shot_type")
	p.NonPrivate = r.str("non_private")
	p.GhostClipping = r.str("ghost_clipping")
	p.TargetEpsilon = r.scalar("target_epsilon")
	p.PerDeviceTrainBatchSize = r.int("per_device_train_batch_size")
	p.EvalSteps = r.int("eval_steps")
	p.FreezeEnd = r.int("freeze_end")
	p.FreezeRate = r.scalar("freeze_rate")

	switch layout {
	case LayoutExplicit:
		p.Process = r.int("process")
		p.Epoch = r.scalar("num_epoch")
	case LayoutSearch:
		p.Epoch = r.scalar("num_train_epochs")
		p.Clip = r.scalar("per_example_max_grad_norm")
		p.Seed = r.int("seed")
		p.Momentum = r.scalar("adam_beta1")
		p.PerDeviceEvalBatchSize = r.int("per_device_eval_batch_size")
		p.WeightDecay = r.scalar("weight_decay")
	}
	if r.err != nil {
		return Params{}, r.err
	}

	if p.PerDeviceTrainBatchSize > 0 {
		want, _ := spec.GradientAccumulationSteps(p.PerDeviceTrainBatchSize)
		if got := r.int("gradient_accumulation_steps"); r.err == nil && got != want {
			return Params{}, fmt.Errorf("--gradient_accumulation_steps %d does not match %s batch size %d / %d",
				got, spec.Name, spec.BatchSize, p.PerDeviceTrainBatchSize)
		}
	}
	return p, r.err
}

// flagReader collects the first error so ParamsFrom reads straight through.
type flagReader struct {
	inv *Invocation
	err error
}

func (r *flagReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *flagReader) str(name string) string {
	v, ok := r.inv.Lookup(name)
	if !ok {
		r.fail(fmt.Errorf("missing flag --%s", name))
	}
	return v
}

func (r *flagReader) int(name string) int {
	v := r.str(name)
	if r.err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("--%s: invalid integer %q", name, v))
	}
	return n
}

func (r *flagReader) scalar(name string) Scalar {
	v := r.str(name)
	if r.err != nil {
		return Scalar{}
	}
	s, err := ParseScalar(v)
	if err != nil {
		r.fail(fmt.Errorf("--%s: %w", name, err))
	}
	return s
}
