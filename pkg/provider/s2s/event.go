package s2s

import "github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"

// Event is one inbound session event. The set is closed: only the types in
// this file implement it, so a type switch over them is exhaustive.
type Event interface {
	isEvent()
}

// AudioDelta carries a chunk of synthesized speech.
type AudioDelta struct {
	Frame audio.AudioFrame
}

// InputTranscriptDelta is a fragment of the transcription of the user's speech.
type InputTranscriptDelta struct {
	Text string
}

// OutputTranscriptDelta is a fragment of the transcription of the model's speech.
type OutputTranscriptDelta struct {
	Text string
}

// TurnComplete marks the end of a model turn.
type TurnComplete struct{}

// Interrupted reports that the remote side detected barge-in and abandoned
// the response in progress. Already-delivered audio must be silenced.
type Interrupted struct{}

// Error is a terminal session failure. It is always followed by [Closed].
type Error struct {
	Err error
}

// Closed is the last event of a session that ended on its own.
type Closed struct{}

func (AudioDelta) isEvent()            {}
func (InputTranscriptDelta) isEvent()  {}
func (OutputTranscriptDelta) isEvent() {}
func (TurnComplete) isEvent()          {}
func (Interrupted) isEvent()           {}
func (Error) isEvent()                 {}
func (Closed) isEvent()                {}
