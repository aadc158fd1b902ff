package resilience

// Policies groups the per-class policies used by the pipeline.
type Policies struct {
	Synthesis *Policy
	Storage   *Policy
	Merge     *Policy
}

// NewPolicies builds one policy per class from the given configs.
func NewPolicies(synthesis, storage, merge Config, opts ...Option) *Policies {
	return &Policies{
		Synthesis: New(ClassSynthesis, synthesis, opts...),
		Storage:   New(ClassStorage, storage, opts...),
		Merge:     New(ClassMerge, merge, opts...),
	}
}
