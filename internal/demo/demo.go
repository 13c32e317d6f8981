// Package demo provides simulated inspection functions for a part-gauging
// station. They are deterministic in the piece index so runs are repeatable.
package demo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/synoptiq/go-qcflow"
)

// ErrNoPart is reported by the camera when the tray slot is empty.
var ErrNoPart = errors.New("no part in view")

// Views are the camera angles a Camera acquires.
var Views = []string{"side", "top"}

// Frame is a simulated acquisition.
type Frame struct {
	View       string
	PieceIndex int64
	Exposure   int64 // Microseconds
}

// Images returns the acquisitions of one piece, one per view.
func Images(pieceIndex int64) qcflow.Images {
	images := make(qcflow.Images, len(Views))
	for _, view := range Views {
		images[view] = Frame{View: view, PieceIndex: pieceIndex, Exposure: 1200}
	}
	return images
}

// jitter maps a piece index to [-0.5, 0.5).
func jitter(pieceIndex int64, salt uint64) float64 {
	x := (uint64(pieceIndex)*2654435761 + salt*40503) % 1000
	return float64(x)/1000 - 0.5
}

// Camera checks the acquisitions and rejects empty slots every EmptyEvery pieces.
type Camera struct {
	EmptyEvery int64
}

func (c *Camera) Name() string { return "capture" }

func (c *Camera) Execute(_ context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
	if msg.Images == nil || len(msg.Images.Keys()) == 0 {
		return qcflow.InspectionResult{}, fmt.Errorf("piece %d: no acquisition", msg.PieceIndex)
	}
	present := c.EmptyEvery <= 0 || msg.PieceIndex%c.EmptyEvery != 0
	result := qcflow.InspectionResult{
		Result:  present,
		Success: true,
		Enabled: true,
		Outputs: qcflow.Parameters{qcflow.Int("views", int64(len(msg.Images.Keys())))},
	}
	if !present {
		result.Error = ErrNoPart.Error()
	}
	return result, nil
}

// Caliper measures one dimension of the part, in millimeters.
type Caliper struct {
	Dimension string
	Nominal   float64
	Spread    float64
}

func (c *Caliper) Name() string { return "measure_" + c.Dimension }

// Measure returns the simulated dimension of a piece.
func (c *Caliper) Measure(pieceIndex int64) float64 {
	var salt uint64
	for _, r := range c.Dimension {
		salt += uint64(r)
	}
	v := c.Nominal + c.Spread*jitter(pieceIndex, salt)
	return math.Round(v*1000) / 1000
}

func (c *Caliper) Execute(ctx context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
	if err := ctx.Err(); err != nil {
		return qcflow.InspectionResult{}, err
	}
	return qcflow.InspectionResult{
		Result:  true,
		Success: true,
		Enabled: true,
		Outputs: qcflow.Parameters{qcflow.Float(c.Dimension, c.Measure(msg.PieceIndex))},
	}, nil
}

// Surface looks for scratches on every image. A piece whose index is a
// multiple of SaturatedEvery saturates the sensor and fails the function.
type Surface struct {
	SaturatedEvery int64
	MaxScratches   int64
}

func (s *Surface) Name() string { return "surface" }

func (s *Surface) Execute(_ context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
	if s.SaturatedEvery > 0 && msg.PieceIndex%s.SaturatedEvery == 0 {
		return qcflow.InspectionResult{}, fmt.Errorf("piece %d: sensor saturated", msg.PieceIndex)
	}
	scratches := int64(math.Abs(jitter(msg.PieceIndex, 7)) * 10)
	return qcflow.InspectionResult{
		Result:  scratches <= s.MaxScratches,
		Success: true,
		Enabled: true,
		Outputs: qcflow.Parameters{qcflow.Int("scratches", scratches)},
	}, nil
}

// Limits is a closed tolerance interval.
type Limits struct {
	Min, Max float64
}

// Tolerance is the final verdict: every limited measurement must be present
// and within its limits.
type Tolerance struct {
	Limits map[string]Limits
}

func (t *Tolerance) Name() string { return "threshold" }

func (t *Tolerance) Execute(_ context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
	names := make([]string, 0, len(t.Limits))
	for name := range t.Limits {
		names = append(names, name)
	}
	sort.Strings(names)

	pass := true
	var outOfTolerance []string
	for _, name := range names {
		p, ok := msg.Result(name)
		if !ok {
			return qcflow.InspectionResult{}, fmt.Errorf("piece %d: measurement %q missing", msg.PieceIndex, name)
		}
		v, ok := p.Value.(float64)
		if !ok {
			return qcflow.InspectionResult{}, fmt.Errorf("piece %d: measurement %q is %s", msg.PieceIndex, name, p.Type)
		}
		if limits := t.Limits[name]; v < limits.Min || v > limits.Max {
			pass = false
			outOfTolerance = append(outOfTolerance, name)
		}
	}

	result := qcflow.InspectionResult{Result: pass, Success: true, Enabled: true}
	if !pass {
		result.Outputs = qcflow.Parameters{qcflow.String("out_of_tolerance", fmt.Sprint(outOfTolerance))}
	}
	return result, nil
}

// Thumbnail renders a preview of the first image. It never takes part in
// the verdict.
type Thumbnail struct{}

func (Thumbnail) Name() string { return "thumbnail" }

func (Thumbnail) Execute(_ context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
	if msg.Images == nil {
		return qcflow.InspectionResult{Result: true, Success: true}, nil
	}
	keys := msg.Images.Keys()
	if len(keys) == 0 {
		return qcflow.InspectionResult{Result: true, Success: true}, nil
	}
	img, _ := msg.Images.Image(keys[0])
	return qcflow.InspectionResult{
		Result:  true,
		Success: true,
		Images:  qcflow.Images{"thumbnail": img},
	}, nil
}

// Register adds the station functions to registry under the names the
// example configuration uses.
func Register(registry *qcflow.Registry) error {
	factories := map[string]qcflow.FunctionFactory{
		"capture": func() qcflow.InspectionFunction { return &Camera{EmptyEvery: 50} },
		"measure_width": func() qcflow.InspectionFunction {
			return &Caliper{Dimension: "width", Nominal: 12.0, Spread: 1.2}
		},
		"measure_height": func() qcflow.InspectionFunction {
			return &Caliper{Dimension: "height", Nominal: 4.0, Spread: 0.4}
		},
		"surface":   func() qcflow.InspectionFunction { return &Surface{SaturatedEvery: 17, MaxScratches: 3} },
		"threshold": func() qcflow.InspectionFunction { return &Tolerance{Limits: StationLimits()} },
		"thumbnail": func() qcflow.InspectionFunction { return Thumbnail{} },
	}

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := registry.RegisterFunction(name, factories[name]); err != nil {
			return err
		}
	}
	return nil
}

// StationLimits are the tolerances of the simulated part.
func StationLimits() map[string]Limits {
	return map[string]Limits{
		"width":  {Min: 11.6, Max: 12.4},
		"height": {Min: 3.85, Max: 4.15},
	}
}
