package matrix

import (
	"context"
	"slices"

	"github.com/cochaviz/dbmatrix/internal/allocation"
	"github.com/cochaviz/dbmatrix/internal/profile"
)

// TestDescriptor identifies one test about to run.
type TestDescriptor struct {
	ClassName  string `json:"class"`
	MethodName string `json:"method,omitempty"`
}

// Hooks are the callbacks an execution driver fires for a node.
type Hooks struct {
	PreRun     func(ctx context.Context) error
	BeforeTest func(ctx context.Context, test TestDescriptor) error
	Finish     func(ctx context.Context) error
}

// Node is one (suite, profile) execution unit.
type Node struct {
	Target     string
	Profile    profile.Profile
	WorkingDir string
	ReportsDir string
	ResultsDir string

	deps      []string
	base      []string
	run       *allocation.RunContext
	lifecycle *NodeLifecycle
}

func (n *Node) Hooks() Hooks {
	return Hooks{
		PreRun:     n.lifecycle.PreRun,
		BeforeTest: n.lifecycle.BeforeTest,
		Finish:     n.lifecycle.Finish,
	}
}

func (n *Node) Lifecycle() *NodeLifecycle {
	return n.lifecycle
}

// Properties is the effective property overlay of the node. Before PreRun it
// lacks what the allocation injects.
func (n *Node) Properties() profile.Properties {
	return n.run.Properties()
}

func (n *Node) Environment() map[string]string {
	return n.run.Environment()
}

// Classpath is the profile dependency, then allocation entries, then the
// base classpath.
func (n *Node) Classpath() []string {
	out := slices.Clone(n.deps)
	out = append(out, n.run.Classpath()...)
	return append(out, n.base...)
}

// Summary is the serializable view of a node used by plan output.
type Summary struct {
	Target     string             `yaml:"target" json:"target"`
	Profile    string             `yaml:"profile" json:"profile"`
	Origin     string             `yaml:"origin" json:"origin"`
	Directory  string             `yaml:"directory" json:"directory"`
	WorkingDir string             `yaml:"workingDir" json:"working_dir"`
	Properties profile.Properties `yaml:"properties" json:"-"`
	Classpath  []string           `yaml:"classpath,omitempty" json:"classpath,omitempty"`
}

func (n *Node) Summary() Summary {
	return Summary{
		Target:     n.Target,
		Profile:    n.Profile.Name,
		Origin:     n.Profile.Origin,
		Directory:  n.Profile.Directory,
		WorkingDir: n.WorkingDir,
		Properties: n.Properties(),
		Classpath:  n.Classpath(),
	}
}
