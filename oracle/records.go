// Package oracle is the single request-response facade over the
// language-model provider. It formats structured prompts, repairs the
// model's JSON replies, and pins them to typed records with explicit
// defaulting so downstream components never touch untyped output.
package oracle

// Overview is the headline description of an analysed repository.
type Overview struct {
	ProjectName      string `json:"projectName"`
	Tagline          string `json:"tagline"`
	Description      string `json:"description"`
	ProblemStatement string `json:"problemStatement"`
}

// Scope bounds what the project does and deliberately does not do.
type Scope struct {
	InScope              []string `json:"inScope"`
	OutOfScope           []string `json:"outOfScope"`
	FutureConsiderations []string `json:"futureConsiderations"`
}

// Layer is one architectural layer of the analysed system.
type Layer struct {
	Name         string   `json:"name"`
	Purpose      string   `json:"purpose"`
	Technologies []string `json:"technologies"`
}

// Architecture describes the system's structural shape.
type Architecture struct {
	Pattern     string   `json:"pattern"`
	Description string   `json:"description"`
	Layers      []Layer  `json:"layers"`
	DataFlow    string   `json:"dataFlow"`
	Frameworks  []string `json:"frameworks"`
	Confidence  float64  `json:"confidence"`
}

// Concept is one domain term and its definition.
type Concept struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// CoreModule is one major module of the analysed repository.
type CoreModule struct {
	Name             string   `json:"name"`
	Purpose          string   `json:"purpose"`
	Responsibilities []string `json:"responsibilities"`
	Location         string   `json:"location"`
	Dependencies     []string `json:"dependencies"`
	KeyFiles         []string `json:"keyFiles"`
	Confidence       float64  `json:"confidence"`
}

// APIEntry is one public API or internal interface surface.
type APIEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// TechnicalStack groups the technologies in play by concern.
type TechnicalStack struct {
	Frontend       []string `json:"frontend"`
	Backend        []string `json:"backend"`
	Database       []string `json:"database"`
	Infrastructure []string `json:"infrastructure"`
	Tooling        []string `json:"tooling"`
}

// ADRConsequences are the outcomes of an architectural decision.
type ADRConsequences struct {
	Positive []string `json:"positive"`
	Negative []string `json:"negative"`
	Risks    []string `json:"risks"`
}

// InitialADR is the founding architecture-decision record of a brain.
type InitialADR struct {
	Title        string          `json:"title"`
	Context      string          `json:"context"`
	Decision     string          `json:"decision"`
	Consequences ADRConsequences `json:"consequences"`
}

// EngineeringTask is one suggested follow-up item.
type EngineeringTask struct {
	Task      string `json:"task"`
	Priority  string `json:"priority"`
	Category  string `json:"category"`
	Reasoning string `json:"reasoning"`
}

// RepoAnalysis is the structured record the materialiser consumes.
type RepoAnalysis struct {
	Overview           Overview          `json:"overview"`
	Scope              Scope             `json:"scope"`
	Architecture       Architecture      `json:"architecture"`
	KeyConcepts        []Concept         `json:"keyConcepts"`
	CoreModules        []CoreModule      `json:"coreModules"`
	PublicAPIs         []APIEntry        `json:"publicAPIs"`
	InternalInterfaces []APIEntry        `json:"internalInterfaces"`
	TechnicalStack     TechnicalStack    `json:"technicalStack"`
	OpenQuestions      []string          `json:"openQuestions"`
	InitialADR         InitialADR        `json:"initialADR"`
	EngineeringTasks   []EngineeringTask `json:"engineeringTasks"`
	Confidence         float64           `json:"confidence"`
}

// ChangeAnalysis is the per-pull-request classification record.
type ChangeAnalysis struct {
	ChangeType           string   `json:"changeType"`
	ImpactLevel          string   `json:"impactLevel"`
	AffectedModules      []string `json:"affectedModules"`
	PublicAPIChanges     bool     `json:"publicAPIChanges"`
	BreakingChanges      bool     `json:"breakingChanges"`
	RequiresADR          bool     `json:"requiresADR"`
	Summary              string   `json:"summary"`
	DocumentationUpdates []string `json:"documentationUpdates"`
	FollowUpTasks        []string `json:"followUpTasks"`
	NewTechnologies      []string `json:"newTechnologies"`
	ArchitectureChanges  string   `json:"architectureChanges"`
	Confidence           float64  `json:"confidence"`
}

// CommitSignificance is the judgement over a direct-commit batch. It is the
// sole gate deciding whether the batch produces any workspace mutation.
type CommitSignificance struct {
	IsSignificant  bool     `json:"isSignificant"`
	ChangeType     string   `json:"changeType"`
	ImpactLevel    string   `json:"impactLevel"`
	Summary        string   `json:"summary"`
	SuggestedTasks []string `json:"suggestedTasks"`
	Confidence     float64  `json:"confidence"`
}

var changeTypes = map[string]bool{
	"feature": true, "bugfix": true, "refactor": true, "docs": true,
	"test": true, "security": true, "performance": true,
	"architecture": true, "unknown": true,
}

var impactLevels = map[string]bool{"major": true, "minor": true, "patch": true}

var taskPriorities = map[string]bool{"High": true, "Medium": true, "Low": true}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (a *RepoAnalysis) normalize(projectName string) {
	if a.Overview.ProjectName == "" {
		a.Overview.ProjectName = projectName
	}
	if a.Architecture.Pattern == "" {
		a.Architecture.Pattern = "Unknown"
	}
	a.Architecture.Confidence = clamp01(a.Architecture.Confidence)
	for i := range a.CoreModules {
		a.CoreModules[i].Confidence = clamp01(a.CoreModules[i].Confidence)
	}
	for i := range a.EngineeringTasks {
		if !taskPriorities[a.EngineeringTasks[i].Priority] {
			a.EngineeringTasks[i].Priority = "Medium"
		}
	}
	if a.InitialADR.Title == "" {
		a.InitialADR.Title = "Initial architecture baseline"
	}
	a.Confidence = clamp01(a.Confidence)
}

func (a *ChangeAnalysis) normalize() {
	if !changeTypes[a.ChangeType] {
		a.ChangeType = "unknown"
	}
	if !impactLevels[a.ImpactLevel] {
		a.ImpactLevel = "minor"
	}
	if a.AffectedModules == nil {
		a.AffectedModules = []string{}
	}
	if a.DocumentationUpdates == nil {
		a.DocumentationUpdates = []string{}
	}
	if a.FollowUpTasks == nil {
		a.FollowUpTasks = []string{}
	}
	if a.NewTechnologies == nil {
		a.NewTechnologies = []string{}
	}
	a.Confidence = clamp01(a.Confidence)
}

func (s *CommitSignificance) normalize() {
	if !changeTypes[s.ChangeType] {
		s.ChangeType = "unknown"
	}
	if !impactLevels[s.ImpactLevel] {
		s.ImpactLevel = "minor"
	}
	if s.SuggestedTasks == nil {
		s.SuggestedTasks = []string{}
	}
	s.Confidence = clamp01(s.Confidence)
}

// FallbackRepoAnalysis is the low-confidence skeleton used when the oracle
// is unavailable. Materialisation proceeds with it so the brain exists and
// can be enriched by later syncs.
func FallbackRepoAnalysis(repoKey string) RepoAnalysis {
	var name = projectNameOf(repoKey)

	return RepoAnalysis{
		Overview: Overview{
			ProjectName: name,
			Tagline:     "Automated documentation pending full analysis",
			Description: "Repository analysis was unavailable; this brain was seeded from repository signals only.",
		},
		Architecture: Architecture{
			Pattern:     "Unknown",
			Description: "Architecture could not be determined automatically.",
			Confidence:  0.3,
		},
		TechnicalStack: TechnicalStack{},
		OpenQuestions: []string{
			"What architectural pattern does this repository follow?",
			"Which modules form the public surface of the project?",
		},
		InitialADR: InitialADR{
			Title:    "Establish Engineering Brain documentation",
			Context:  "No automated analysis was available when this document was created.",
			Decision: "Seed the documentation structure now and refine it on subsequent syncs.",
			Consequences: ADRConsequences{
				Positive: []string{"Documentation structure exists from day one"},
				Risks:    []string{"Initial content may be incomplete until a full analysis succeeds"},
			},
		},
		EngineeringTasks: []EngineeringTask{{
			Task:      "Review and correct the generated documentation",
			Priority:  "Medium",
			Category:  "Documentation",
			Reasoning: "The initial analysis ran in degraded mode.",
		}},
		Confidence: 0.3,
	}
}

// FallbackChangeAnalysis is the neutral record used when a pull request
// could not be classified. The change is still logged to history, but no
// promotion fires.
func FallbackChangeAnalysis(summary string) ChangeAnalysis {
	var a = ChangeAnalysis{
		ChangeType:  "unknown",
		ImpactLevel: "minor",
		Summary:     summary,
		Confidence:  0,
	}
	a.normalize()
	return a
}
