package qcflow

import (
	"errors"
	"time"
)

// ErrEmptyJoin is returned by JoinMessages when no message is left to merge.
var ErrEmptyJoin = errors.New("join requires at least one message")

// Message is the unit of work flowing between blocks.
//
// A message is never mutated once it has been enqueued: every stage transition
// builds a new instance with Next. Images and Features are shared by reference
// with the predecessor.
type Message struct {
	SystemSource      string
	PieceIndex        int64
	Step              Parameters
	Features          Parameters
	AcquisitionMoment time.Time
	Images            ImageCollection
	PrevFunctionName  string

	results map[string]Parameter
}

// NewMessage creates the entry message for a piece.
func NewMessage(
	systemSource string,
	pieceIndex int64,
	step Parameters,
	images ImageCollection,
	features ...Parameter,
) *Message {
	return &Message{
		SystemSource:      systemSource,
		PieceIndex:        pieceIndex,
		Step:              step,
		Features:          Parameters(features),
		AcquisitionMoment: time.Now(),
		Images:            images,
		results:           make(map[string]Parameter),
	}
}

// Result returns the accumulated parameter stored under name.
func (m *Message) Result(name string) (Parameter, bool) {
	p, ok := m.results[name]
	return p, ok
}

// Results returns a copy of the accumulated results.
func (m *Message) Results() map[string]Parameter {
	out := make(map[string]Parameter, len(m.results))
	for k, v := range m.results {
		out[k] = v
	}
	return out
}

// Next builds the message handed to the next stage after functionName ran.
//
// A nil step keeps the current one. New output names are added; an existing
// name keeps its original type and only has its value replaced. An output whose
// type differs from the stored one is ignored.
func (m *Message) Next(functionName string, step Parameters, outputs ...Parameter) *Message {
	if step == nil {
		step = m.Step
	}
	next := &Message{
		SystemSource:      m.SystemSource,
		PieceIndex:        m.PieceIndex,
		Step:              step,
		Features:          m.Features,
		AcquisitionMoment: m.AcquisitionMoment,
		Images:            m.Images,
		PrevFunctionName:  functionName,
		results:           make(map[string]Parameter, len(m.results)+len(outputs)),
	}
	for k, v := range m.results {
		next.results[k] = v
	}
	for _, out := range outputs {
		next.merge(out)
	}
	return next
}

func (m *Message) merge(p Parameter) {
	existing, ok := m.results[p.Name]
	if !ok {
		m.results[p.Name] = p
		return
	}
	if existing.Type != p.Type && existing.Type != ValueAny {
		return
	}
	existing.Value = p.Value
	m.results[p.Name] = existing
}

// JoinMessages merges parallel-branch messages of one piece.
//
// When pieceIndex is non-nil, messages of other pieces are discarded first.
// Images and accumulated results are unioned with the first occurrence winning
// on key collision; identity and timestamps come from the first message.
func JoinMessages(pieceIndex *int64, msgs ...*Message) (*Message, error) {
	selected := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if pieceIndex != nil && msg.PieceIndex != *pieceIndex {
			continue
		}
		selected = append(selected, msg)
	}
	if len(selected) == 0 {
		return nil, ErrEmptyJoin
	}

	first := selected[0]
	joined := &Message{
		SystemSource:      first.SystemSource,
		PieceIndex:        first.PieceIndex,
		Step:              first.Step,
		Features:          first.Features,
		AcquisitionMoment: first.AcquisitionMoment,
		PrevFunctionName:  first.PrevFunctionName,
		results:           make(map[string]Parameter),
	}

	images := Images{}
	for _, msg := range selected {
		if msg.Images != nil {
			for _, key := range msg.Images.Keys() {
				if _, seen := images[key]; seen {
					continue
				}
				if img, ok := msg.Images.Image(key); ok {
					images[key] = img
				}
			}
		}
		for name, p := range msg.results {
			if _, seen := joined.results[name]; !seen {
				joined.results[name] = p
			}
		}
	}
	joined.Images = images

	return joined, nil
}
