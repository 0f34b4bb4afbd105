// Package training provides the training client: chunked
// forward/backward dispatch with concurrent future draining and metric
// combination.
package training

import (
	json "github.com/goccy/go-json"
)

// Chunk is one element of a model input sequence. Chunks are
// heterogeneous (token runs, images) but ordered; the wire payload
// preserves their order exactly.
type Chunk interface {
	// Length is the chunk's length in sequence positions.
	Length() int

	// wirePayload renders the chunk for the wire, tagged by kind.
	wirePayload() map[string]any
}

// TextChunk is a run of token ids.
type TextChunk struct {
	Tokens []int64
}

// Length implements Chunk.
func (c TextChunk) Length() int { return len(c.Tokens) }

func (c TextChunk) wirePayload() map[string]any {
	return map[string]any{"kind": "text", "tokens": c.Tokens}
}

// ImageChunk is an encoded image occupying a fixed number of sequence
// positions.
type ImageChunk struct {
	// Data is the encoded image.
	Data []byte

	// Positions is how many sequence positions the image occupies.
	Positions int
}

// Length implements Chunk.
func (c ImageChunk) Length() int { return c.Positions }

func (c ImageChunk) wirePayload() map[string]any {
	return map[string]any{"kind": "image", "data": c.Data, "positions": c.Positions}
}

// ModelInput is an ordered chunk sequence forming one model input.
type ModelInput struct {
	Chunks []Chunk
}

// TextInput builds a single-chunk input from token ids.
func TextInput(tokens []int64) ModelInput {
	return ModelInput{Chunks: []Chunk{TextChunk{Tokens: tokens}}}
}

// Append returns the input extended with more chunks. Order is
// preserved.
func (m ModelInput) Append(chunks ...Chunk) ModelInput {
	out := make([]Chunk, 0, len(m.Chunks)+len(chunks))
	out = append(out, m.Chunks...)
	out = append(out, chunks...)
	return ModelInput{Chunks: out}
}

// Length is the total input length: the sum of all chunk lengths.
func (m ModelInput) Length() int {
	total := 0
	for _, c := range m.Chunks {
		total += c.Length()
	}
	return total
}

func (m ModelInput) wirePayload() []map[string]any {
	out := make([]map[string]any, len(m.Chunks))
	for i, c := range m.Chunks {
		out[i] = c.wirePayload()
	}
	return out
}

// Datum is one training example: a model input plus the opaque loss
// function inputs the server needs alongside it.
type Datum struct {
	Input ModelInput

	// LossInputs carries targets, weights and other loss function
	// inputs, forwarded opaquely.
	LossInputs map[string]json.RawMessage
}

func (d Datum) wirePayload() map[string]any {
	return map[string]any{
		"input":       d.Input.wirePayload(),
		"loss_inputs": d.LossInputs,
	}
}
