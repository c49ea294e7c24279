package model

// ShapeKind discriminates the per-kind tables and payload field sets.
type ShapeKind string

const (
	KindRectangle ShapeKind = "RECTANGLE"
	KindEllipse   ShapeKind = "ELLIPSE"
	KindLine      ShapeKind = "LINE"
	KindArrow     ShapeKind = "ARROW"
	KindPen       ShapeKind = "PEN"
	KindText      ShapeKind = "TEXT"
)

func (k ShapeKind) Valid() bool {
	switch k {
	case KindRectangle, KindEllipse, KindLine, KindArrow, KindPen, KindText:
		return true
	}
	return false
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ShapePayload carries the fields of a shape on the wire. All fields except
// Type are optional so the same struct serves full creates and sparse updates;
// nil means the field is absent, not zero.
type ShapePayload struct {
	Type     ShapeKind `json:"type"`
	StartX   *float64  `json:"startX,omitempty"`
	StartY   *float64  `json:"startY,omitempty"`
	Width    *float64  `json:"width,omitempty"`
	Height   *float64  `json:"height,omitempty"`
	RadiusX  *float64  `json:"radiusX,omitempty"`
	RadiusY  *float64  `json:"radiusY,omitempty"`
	EndX     *float64  `json:"endX,omitempty"`
	EndY     *float64  `json:"endY,omitempty"`
	Points   []Point   `json:"points,omitempty"`
	Text     *string   `json:"text,omitempty"`
	FontSize *float64  `json:"fontSize,omitempty"`
	MaxWidth *float64  `json:"maxWidth,omitempty"`
	Color    *string   `json:"color,omitempty"`
}

// Merge overlays the present fields of over onto p, later values winning.
// Type is not merged; storage is keyed by kind elsewhere.
func (p ShapePayload) Merge(over ShapePayload) ShapePayload {
	if over.StartX != nil {
		p.StartX = over.StartX
	}
	if over.StartY != nil {
		p.StartY = over.StartY
	}
	if over.Width != nil {
		p.Width = over.Width
	}
	if over.Height != nil {
		p.Height = over.Height
	}
	if over.RadiusX != nil {
		p.RadiusX = over.RadiusX
	}
	if over.RadiusY != nil {
		p.RadiusY = over.RadiusY
	}
	if over.EndX != nil {
		p.EndX = over.EndX
	}
	if over.EndY != nil {
		p.EndY = over.EndY
	}
	if over.Points != nil {
		p.Points = over.Points
	}
	if over.Text != nil {
		p.Text = over.Text
	}
	if over.FontSize != nil {
		p.FontSize = over.FontSize
	}
	if over.MaxWidth != nil {
		p.MaxWidth = over.MaxWidth
	}
	if over.Color != nil {
		p.Color = over.Color
	}
	return p
}

// ShapeRecord is a persisted shape as returned in room content snapshots.
type ShapeRecord struct {
	ID    string       `json:"id"`
	Shape ShapePayload `json:"shape"`
}

// ShapeMessage is the envelope for inbound shape mutations, their mirrored
// copies to peers, and the confirm notification.
type ShapeMessage struct {
	Type   string        `json:"type"`
	Action string        `json:"action"`
	RoomID string        `json:"roomId,omitempty"`
	ID     string        `json:"id,omitempty"`
	TempID string        `json:"tempId,omitempty"`
	Shape  *ShapePayload `json:"shape,omitempty"`
}

const (
	MessageShape = "shape"
	MessageJoin  = "join"
	MessageLeave = "leave"

	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionConfirm = "confirm"
)

// JoinResult is the reply to a join request. Shapes carries the room's
// persisted content so a new member starts from the durable state.
type JoinResult struct {
	Type    string        `json:"type"`
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Shapes  []ShapeRecord `json:"shapes,omitempty"`
}
