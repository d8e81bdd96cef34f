package trainer

// Params is the full parameter set for one trainer launch.
//
// Not every field reaches the trainer: which ones are emitted depends on
// the Layout. Fields a layout does not emit are carried for bookkeeping only.
type Params struct {
	TaskName        string `yaml:"task_name" json:"task_name"`
	OutputDir       string `yaml:"output_dir" json:"output_dir"`
	ModelNameOrPath string `yaml:"model_name_or_path" json:"model_name_or_path"`

	// DataDir is the base data directory; the task suffix is appended at
	// build time.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	GhostClipping string `yaml:"ghost_clipping" json:"ghost_clipping"`
	NonPrivate    string `yaml:"non_private" json:"non_private"`
	TargetEpsilon Scalar `yaml:"target_epsilon" json:"target_epsilon"`
	FewShotType   string `yaml:"few_shot_type" json:"few_shot_type"`

	// Freeze schedule. Threaded through to the trainer uninterpreted.
	FreezeEnd  int    `yaml:"freeze_end" json:"freeze_end"`
	FreezeRate Scalar `yaml:"freeze_rate" json:"freeze_rate"`

	PerDeviceTrainBatchSize int `yaml:"per_device_train_batch_size" json:"per_device_train_batch_size"`
	PerDeviceEvalBatchSize  int `yaml:"per_device_eval_batch_size" json:"per_device_eval_batch_size"`
	EvalSteps               int `yaml:"eval_steps" json:"eval_steps"`
	Seed                    int `yaml:"seed" json:"seed"`
	Process                 int `yaml:"process" json:"process"`

	Epoch       Scalar `yaml:"epoch" json:"epoch"`
	Clip        Scalar `yaml:"clip" json:"clip"`
	Momentum    Scalar `yaml:"momentum" json:"momentum"`
	WeightDecay Scalar `yaml:"weight_decay" json:"weight_decay"`
}

// DefaultParams returns the launch defaults. TaskName and OutputDir have
// no default and must be supplied by the caller.
func DefaultParams() Params {
	return Params{
		ModelNameOrPath:         "roberta-base",
		DataDir:                 "classification/data/original",
		GhostClipping:           "yes",
		NonPrivate:              "no",
		TargetEpsilon:           Int(8),
		FewShotType:             "prompt",
		FreezeEnd:               -1,
		FreezeRate:              Int(0),
		PerDeviceTrainBatchSize: 1,
		PerDeviceEvalBatchSize:  50,
		EvalSteps:               10,
		Seed:                    0,
		Process:                 0,
		Epoch:                   Float(6.0),
		Clip:                    Float(0.1),
		Momentum:                Float(0.9),
		WeightDecay:             Float(1e-2),
	}
}
