package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// StageKind identifies which step of the pipeline a stage performs.
type StageKind string

const (
	StageKindBuild    StageKind = "build"
	StageKindDesign   StageKind = "design"
	StageKindValidate StageKind = "validate"
)

// Focus names double as the directory stem and as the sub-directory searched
// for stage specific parameter files.
const (
	focusBuild    = "build_models"
	focusDesign   = "design_models"
	focusValidate = "validate_designs"
)

// Stage is the identity of one pipeline step. Build stages carry no round.
type Stage struct {
	Kind  StageKind `json:"kind"`
	Round int       `json:"round,omitempty"`
}

// BuildStage returns the single model building stage.
func BuildStage() Stage { return Stage{Kind: StageKindBuild} }

// DesignStage returns the design stage of the given round.
func DesignStage(round int) Stage { return Stage{Kind: StageKindDesign, Round: round} }

// ValidateStage returns the validation stage of the given round.
func ValidateStage(round int) Stage { return Stage{Kind: StageKindValidate, Round: round} }

// Validate reports whether the stage is a legal (kind, round) combination.
func (s Stage) Validate() error {
	switch s.Kind {
	case StageKindBuild:
		if s.Round != 0 {
			return fmt.Errorf("build stage cannot have a round (got %d)", s.Round)
		}
	case StageKindDesign, StageKindValidate:
		if s.Round < 1 {
			return fmt.Errorf("%s stage needs a round >= 1 (got %d)", s.Kind, s.Round)
		}
	default:
		return fmt.Errorf("unknown stage kind %q", s.Kind)
	}
	return nil
}

// Ordinal encodes execution order so that a directory listing sorts
// chronologically: build=1, design(r)=2r, validate(r)=2r+1.
func (s Stage) Ordinal() int {
	switch s.Kind {
	case StageKindDesign:
		return 2 * s.Round
	case StageKindValidate:
		return 2*s.Round + 1
	default:
		return 1
	}
}

// FocusName is the stem used for the stage directory and parameter lookup.
func (s Stage) FocusName() string {
	switch s.Kind {
	case StageKindDesign:
		return focusDesign
	case StageKindValidate:
		return focusValidate
	default:
		return focusBuild
	}
}

// DirName renders the stage directory name, e.g. 04_design_models_round_2.
func (s Stage) DirName() string {
	if s.Kind == StageKindBuild {
		return fmt.Sprintf("%02d_%s", s.Ordinal(), s.FocusName())
	}
	return fmt.Sprintf("%02d_%s_round_%d", s.Ordinal(), s.FocusName(), s.Round)
}

func (s Stage) String() string {
	if s.Kind == StageKindBuild {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s(round %d)", s.Kind, s.Round)
}

// Predecessor returns the stage whose outputs feed this one.
func (s Stage) Predecessor() (Stage, bool) {
	switch s.Kind {
	case StageKindDesign:
		if s.Round == 1 {
			return BuildStage(), true
		}
		return ValidateStage(s.Round - 1), true
	case StageKindValidate:
		return DesignStage(s.Round), true
	default:
		return Stage{}, false
	}
}

// Successor returns the stage that consumes this stage's outputs.
func (s Stage) Successor() Stage {
	switch s.Kind {
	case StageKindDesign:
		return ValidateStage(s.Round)
	case StageKindValidate:
		return DesignStage(s.Round + 1)
	default:
		return DesignStage(1)
	}
}

var stageDirPattern = regexp.MustCompile(`^(\d+)_(build|design|validate)((?:_[a-z]+)*?)(?:_round_(\d+))?$`)

// ParseStageDirName decodes a directory name without consulting any side file.
func ParseStageDirName(name string) (Stage, bool) {
	m := stageDirPattern.FindStringSubmatch(name)
	if m == nil {
		return Stage{}, false
	}
	stage := Stage{Kind: StageKind(m[2])}
	if m[4] != "" {
		round, err := strconv.Atoi(m[4])
		if err != nil {
			return Stage{}, false
		}
		stage.Round = round
	}
	if stage.Validate() != nil {
		return Stage{}, false
	}
	return stage, true
}

// StageDir locates a stage inside a pipeline workspace rooted at Root.
// Name is only set when the directory on disk does not carry the canonical
// name of its stage, e.g. "03_design_models_round_2".
type StageDir struct {
	Root  string `json:"root"`
	Stage Stage  `json:"stage"`
	Name  string `json:"name,omitempty"`
}

// NewStageDir anchors a stage under a workspace root.
func NewStageDir(root string, stage Stage) StageDir {
	return StageDir{Root: filepath.Clean(root), Stage: stage}
}

// WithName pins the directory name found on disk.
func (d StageDir) WithName(name string) StageDir {
	d.Name = ""
	if name != d.Stage.DirName() {
		d.Name = name
	}
	return d
}

// DirName is the name of the stage directory under Root.
func (d StageDir) DirName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Stage.DirName()
}

// ID is the stable key used by batch repositories.
func (d StageDir) ID() string { return d.Path() }

func (d StageDir) Path() string      { return filepath.Join(d.Root, d.DirName()) }
func (d StageDir) InputDir() string  { return filepath.Join(d.Path(), "inputs") }
func (d StageDir) OutputDir() string { return filepath.Join(d.Path(), "outputs") }
func (d StageDir) LogDir() string    { return filepath.Join(d.Path(), "logs") }

// Predecessor anchors the preceding stage under the same root by its
// canonical name. StageGraph.Predecessor also finds renamed directories.
func (d StageDir) Predecessor() (StageDir, bool) {
	prev, ok := d.Stage.Predecessor()
	if !ok {
		return StageDir{}, false
	}
	return NewStageDir(d.Root, prev), true
}

// Successor anchors the following stage under the same root.
func (d StageDir) Successor() StageDir {
	return NewStageDir(d.Root, d.Stage.Successor())
}
