package types

// AxisRange bounds one plot axis.
type AxisRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PlotStyle is the display sub-record of a plot spec.
type PlotStyle struct {
	Color     string `json:"color,omitempty"`
	LineWidth float64 `json:"lineWidth,omitempty"`
	GridLines bool    `json:"gridLines,omitempty"`
}

// PlotSpec samples a single expression over a bounded x range.
type PlotSpec struct {
	Name       string    `json:"name"`
	Expr       string    `json:"expr"`
	X          AxisRange `json:"x"`
	Y          AxisRange `json:"y"`
	Samples    int       `json:"samples"`
	XLabel     string    `json:"xLabel,omitempty"`
	YLabel     string    `json:"yLabel,omitempty"`
	Style      PlotStyle `json:"style"`
	ContentHash string   `json:"contentHash,omitempty"`
}

// DiagramNode is one point or shape on the fixed-grid canvas.
type DiagramNode struct {
	ID    string  `json:"id"`
	Kind  string  `json:"kind"` // point, box, circle
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

// DiagramArrow connects two nodes by id.
type DiagramArrow struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// DiagramSpec lays out nodes and arrows on a fixed-grid canvas.
type DiagramSpec struct {
	Name        string         `json:"name"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	GridSize    int            `json:"gridSize"`
	Nodes       []DiagramNode  `json:"nodes"`
	Arrows      []DiagramArrow `json:"arrows"`
	ContentHash string         `json:"contentHash,omitempty"`
}

// ChemSpec carries a SMILES string plus an optional caption.
type ChemSpec struct {
	Name        string `json:"name"`
	SMILES      string `json:"smiles"`
	Caption     string `json:"caption,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`
}

// WidgetSpec references an interactive widget by template with parameters.
type WidgetSpec struct {
	Name        string            `json:"name"`
	Template    string            `json:"template"`
	Params      map[string]string `json:"params,omitempty"`
	ContentHash string            `json:"contentHash,omitempty"`
}

// AssetSpec is the tagged union over the per-kind spec records.
type AssetSpec struct {
	Kind    AssetKind    `json:"kind"`
	Plot    *PlotSpec    `json:"plot,omitempty"`
	Diagram *DiagramSpec `json:"diagram,omitempty"`
	Chem    *ChemSpec    `json:"chem,omitempty"`
	Widget  *WidgetSpec  `json:"widget,omitempty"`
}

// Name returns the inner spec's name regardless of kind.
func (a AssetSpec) Name() string {
	switch a.Kind {
	case AssetPlot:
		if a.Plot != nil {
			return a.Plot.Name
		}
	case AssetDiagram:
		if a.Diagram != nil {
			return a.Diagram.Name
		}
	case AssetChem:
		if a.Chem != nil {
			return a.Chem.Name
		}
	case AssetWidget:
		if a.Widget != nil {
			return a.Widget.Name
		}
	}
	return ""
}
