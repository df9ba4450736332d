// Package provider implements the speech-to-text provider client: the
// bidirectional websocket session that forwards PCM audio and receives
// transcription/translation events.
package provider

import "encoding/json"

// MessageKind discriminates the decoded message variants: parse once at the
// ingest boundary, work in typed values thereafter.
type MessageKind string

const (
	KindTranscriptFinal MessageKind = "transcript_final"
	KindTranslationV1   MessageKind = "translation_v1"
	KindTranslationV2   MessageKind = "translation_v2"
	KindSessionEnd      MessageKind = "session_end"
	KindUnknown         MessageKind = "unknown"
)

// Utterance is a provider-reported captioned interval before normalization
// onto the reference timeline.
type Utterance struct {
	Start float64
	End   float64
	Text  string
}

// Message is the decoded, typed form of one provider event.
type Message struct {
	Kind      MessageKind
	Language  string // target language for translations; empty for transcripts
	Utterance Utterance
}

type rawUtterance struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type rawTranslatedText struct {
	Text string `json:"text"`
}

type rawTranslation struct {
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Text           string  `json:"text"`
	TargetLanguage string  `json:"target_language"`
}

type rawEnvelope struct {
	Type string `json:"type"`
	Data struct {
		IsFinal             bool               `json:"is_final"`
		Utterance           *rawUtterance      `json:"utterance"`
		TranslatedUtterance *rawTranslatedText `json:"translated_utterance"`
		TargetLanguage      string             `json:"target_language"`
		Translation         *rawTranslation    `json:"translation"`
	} `json:"data"`
}

// ParseMessage decodes one provider message into its typed variant. Unknown
// types and malformed variants decode to KindUnknown rather than erroring,
// so the caller can log and discard them.
func ParseMessage(raw []byte) (Message, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, err
	}

	switch env.Type {
	case "transcript":
		if !env.Data.IsFinal || env.Data.Utterance == nil {
			return Message{Kind: KindUnknown}, nil
		}
		return Message{
			Kind: KindTranscriptFinal,
			Utterance: Utterance{
				Start: env.Data.Utterance.Start,
				End:   env.Data.Utterance.End,
				Text:  env.Data.Utterance.Text,
			},
		}, nil

	case "translation":
		// Both accepted shapes must produce equivalent cues; the
		// self-contained shape is checked first.
		if env.Data.Translation != nil {
			return Message{
				Kind:     KindTranslationV2,
				Language: env.Data.Translation.TargetLanguage,
				Utterance: Utterance{
					Start: env.Data.Translation.Start,
					End:   env.Data.Translation.End,
					Text:  env.Data.Translation.Text,
				},
			}, nil
		}
		if env.Data.Utterance != nil && env.Data.TranslatedUtterance != nil {
			return Message{
				Kind:     KindTranslationV1,
				Language: env.Data.TargetLanguage,
				Utterance: Utterance{
					Start: env.Data.Utterance.Start,
					End:   env.Data.Utterance.End,
					Text:  env.Data.TranslatedUtterance.Text,
				},
			}, nil
		}
		return Message{Kind: KindUnknown}, nil

	case "post_final_transcript":
		return Message{Kind: KindSessionEnd}, nil

	default:
		return Message{Kind: KindUnknown}, nil
	}
}
