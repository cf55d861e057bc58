package stage

import "time"

// Class partitions stages into GPU-exclusive and CPU-bound.
type Class int

const (
	ClassCPU Class = iota
	ClassGPU
)

// Node is one stage instance of a task's pipeline DAG.
type Node struct {
	Name        string // qualified, e.g. "translate.ja"
	Lang        string // empty for shared stages
	Class       Class
	Deps        []string // qualified predecessor names
	MaxAttempts int
	Timeout     time.Duration // hard overall timeout, 0 = none
	Run         RunFunc
	Verify      VerifyFunc // nil = trust the recorded status on resume

	// depth orders stages within a target's chain; the scheduler's
	// tie-break prefers deeper stages so one target finishes before
	// work spreads to the next.
	depth int
}

// Graph is the full DAG for one task: the shared prefix plus a
// per-language chain for each target.
type Graph struct {
	Nodes map[string]*Node
}

// stageSpec is a row of the pipeline table; Build expands it into
// concrete nodes.
type stageSpec struct {
	name        string
	class       Class
	perLang     bool
	deps        []string // unqualified
	maxAttempts int
	run         RunFunc
}

const (
	defaultWorkerAttempts = 2
	defaultParseAttempts  = 1
)

// Runners binds each stage name to its execution function; the
// supervisor provides one wired to its orchestrator resources.
type Runners map[string]RunFunc

// Verifiers binds stage names to their resume precondition checks.
type Verifiers map[string]VerifyFunc

// Build constructs the DAG for the given targets. The shared chain
// runs once; each target fans out its own chain off build_references.
func Build(targets []string, runners Runners, verifiers Verifiers) *Graph {
	specs := []stageSpec{
		{name: StageUpload, class: ClassCPU, maxAttempts: defaultParseAttempts},
		{name: StageExtractAudio, class: ClassCPU, deps: []string{StageUpload}, maxAttempts: defaultWorkerAttempts},
		{name: StageASR, class: ClassGPU, deps: []string{StageExtractAudio}, maxAttempts: defaultWorkerAttempts},
		{name: StageDiarize, class: ClassGPU, deps: []string{StageASR}, maxAttempts: defaultWorkerAttempts},
		{name: StageBuildReferences, class: ClassCPU, deps: []string{StageDiarize}, maxAttempts: defaultWorkerAttempts},

		{name: StageTranslate, class: ClassGPU, perLang: true, deps: []string{StageBuildReferences}, maxAttempts: defaultWorkerAttempts},
		{name: StageValidateLength, class: ClassCPU, perLang: true, deps: []string{StageTranslate}, maxAttempts: defaultParseAttempts},
		{name: StageCloneVoice, class: ClassGPU, perLang: true, deps: []string{StageValidateLength}, maxAttempts: defaultWorkerAttempts},
		{name: StageStitchAudio, class: ClassCPU, perLang: true, deps: []string{StageCloneVoice}, maxAttempts: defaultWorkerAttempts},
		{name: StageMuxVideo, class: ClassCPU, perLang: true, deps: []string{StageStitchAudio}, maxAttempts: defaultWorkerAttempts},
	}

	g := &Graph{Nodes: make(map[string]*Node)}
	for depth, spec := range specs {
		langs := []string{""}
		if spec.perLang {
			langs = targets
		}
		for _, lang := range langs {
			name := QualifiedName(spec.name, lang)
			deps := make([]string, 0, len(spec.deps))
			for _, d := range spec.deps {
				depLang := ""
				if spec.perLang && g.hasPerLang(d, lang) {
					depLang = lang
				}
				deps = append(deps, QualifiedName(d, depLang))
			}
			g.Nodes[name] = &Node{
				Name:        name,
				Lang:        lang,
				Class:       spec.class,
				Deps:        deps,
				MaxAttempts: spec.maxAttempts,
				Run:         runners[spec.name],
				Verify:      verifiers[spec.name],
				depth:       depth,
			}
		}
	}
	return g
}

// hasPerLang reports whether dep was expanded per-language (so the
// qualified dependency must carry the same lang suffix).
func (g *Graph) hasPerLang(dep, lang string) bool {
	_, ok := g.Nodes[QualifiedName(dep, lang)]
	return ok
}

// Ready lists nodes whose predecessors are all done and whose own
// status allows a run, given the current state.
func (g *Graph) Ready(st *State) []*Node {
	var ready []*Node
	for _, node := range g.Nodes {
		rec, ok := st.Stages[node.Name]
		status := StatusPending
		if ok {
			status = rec.Status
		}
		if !status.Runnable() {
			continue
		}
		eligible := true
		for _, dep := range node.Deps {
			if st.Stages[dep].Status != StatusDone {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, node)
		}
	}
	return ready
}

// Finished reports whether every node reached done, and separately
// whether any reached failed/cancelled (which stops its downstream).
func (g *Graph) Finished(st *State) (allDone, anyFailed bool) {
	allDone = true
	for _, node := range g.Nodes {
		rec := st.Stages[node.Name]
		switch rec.Status {
		case StatusDone:
		case StatusFailed, StatusCancelled:
			anyFailed = true
			allDone = false
		default:
			allDone = false
		}
	}
	return allDone, anyFailed
}
