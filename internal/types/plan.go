package types

// AssetKind discriminates the asset token and spec variants.
type AssetKind string

const (
	AssetEquation AssetKind = "eq"
	AssetPlot     AssetKind = "plot"
	AssetDiagram  AssetKind = "diagram"
	AssetWidget   AssetKind = "widget"
	AssetChem     AssetKind = "chem"
)

// Beat is the smallest unit of the chapter plan: one learning moment with
// outcomes, prerequisites and suggested assets.
type Beat struct {
	ID       string   `json:"id"`
	Headline string   `json:"headline"`
	Outcomes []string `json:"outcomes"`
	Prereqs  []string `json:"prereqs"`
	// Assets are tokens of the form "type:name", e.g. "plot:projectile_path".
	Assets []string `json:"assets"`
}

// Plan is the M1 output: chapter metadata plus the ordered beat sequence.
// The prereq graph over beats is a DAG referencing only preceding beat ids.
type Plan struct {
	Envelope   Envelope   `json:"envelope"`
	Title      string     `json:"title"`
	Subject    Subject    `json:"subject"`
	Grade      string     `json:"grade"`
	Difficulty Difficulty `json:"difficulty"`
	Beats      []Beat     `json:"beats"`
}

// Scaffold is the M2 output: beats grouped into ordered sections with
// placement markers and transition prose.
type Scaffold struct {
	Envelope Envelope          `json:"envelope"`
	Title    string            `json:"title"`
	Sections []ScaffoldSection `json:"sections"`
}

// ScaffoldSection groups one or more beats. Markers are asset placement
// tokens "{{type:name}}" in authoring order.
type ScaffoldSection struct {
	ID       string   `json:"id"` // zero-padded sequential, e.g. "01"
	Title    string   `json:"title"`
	BeatIDs  []string `json:"beatIds"`
	Markers  []string `json:"markers"`
	EntryTransition string   `json:"entryTransition"`
	ExitTransition  string   `json:"exitTransition"`
	Concepts        []string `json:"concepts"`
}

// RunningState is the per-section carry record: a short recap, the terms
// introduced so far, the "kind:name" tokens (not content hashes) of assets
// already used and open narrative threads.
type RunningState struct {
	Recap       string   `json:"recap"`
	Terms       []string `json:"terms"`
	UsedAssets  []string `json:"usedAssets"`
	OpenThreads []string `json:"openThreads"`
}

// SectionContext adapts one scaffold section plus the running state into the
// M3 input.
type SectionContext struct {
	Envelope      Envelope        `json:"envelope"`
	ChapterTitle  string          `json:"chapterTitle"`
	Subject       Subject         `json:"subject"`
	Grade         string          `json:"grade"`
	Difficulty    Difficulty      `json:"difficulty"`
	Section       ScaffoldSection `json:"section"`
	Index         int             `json:"index"`
	Total         int             `json:"total"`
	State         RunningState    `json:"state"`
}
