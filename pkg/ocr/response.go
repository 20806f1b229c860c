package ocr

import (
	"bytes"
	"encoding/json"
	"time"
)

// Result is a parsed transcription.
type Result struct {
	TranscribedText string
	StructuredData  json.RawMessage
	ConfidenceScore *float64
	Duration        time.Duration
}

type pipelineResponse struct {
	OCRResults *struct {
		OCRExtractedText string `json:"ocr_extracted_text"`
	} `json:"ocr_results"`
	MedicalAnalysis json.RawMessage `json:"medical_analysis"`
}

type medicalAnalysis struct {
	OCRExtractedText string `json:"ocr_extracted_text"`
	PreprocessedText string `json:"preprocessed_text"`
}

type flatResponse struct {
	TranscribedText string          `json:"transcribedText"`
	StructuredData  json.RawMessage `json:"structuredData"`
	ConfidenceScore *float64        `json:"confidenceScore"`
}

// ParseResponse accepts either the OCR/LLM pipeline shape
// ({ocr_results, medical_analysis}) or a flat {transcribedText,
// structuredData, confidenceScore} object.
func ParseResponse(body []byte) (Result, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Result{}, &UpstreamError{Kind: KindMalformed, Message: "response is not a JSON object"}
	}

	var pipeline pipelineResponse
	if err := json.Unmarshal(body, &pipeline); err != nil {
		return Result{}, &UpstreamError{Kind: KindMalformed, Message: "decode response", Err: err}
	}
	if isObject(pipeline.MedicalAnalysis) {
		var analysis medicalAnalysis
		if err := json.Unmarshal(pipeline.MedicalAnalysis, &analysis); err != nil {
			return Result{}, &UpstreamError{Kind: KindMalformed, Message: "decode medical_analysis", Err: err}
		}
		text := analysis.OCRExtractedText
		if text == "" && pipeline.OCRResults != nil {
			text = pipeline.OCRResults.OCRExtractedText
		}
		if text == "" {
			text = analysis.PreprocessedText
		}
		text = NormalizeText(text)
		if text == "" && isEmptyObject(pipeline.MedicalAnalysis) {
			return Result{}, &UpstreamError{Kind: KindMalformed, Message: "response has no transcribed text or medical analysis"}
		}
		return Result{
			TranscribedText: text,
			StructuredData:  compact(pipeline.MedicalAnalysis),
		}, nil
	}

	var flat flatResponse
	if err := json.Unmarshal(body, &flat); err != nil {
		return Result{}, &UpstreamError{Kind: KindMalformed, Message: "decode response", Err: err}
	}
	text := NormalizeText(flat.TranscribedText)
	structured := flat.StructuredData
	if isNull(structured) {
		structured = nil
	}
	if text == "" && structured == nil {
		return Result{}, &UpstreamError{Kind: KindMalformed, Message: "response has no transcribed text or structured data"}
	}
	return Result{
		TranscribedText: text,
		StructuredData:  compact(structured),
		ConfidenceScore: flat.ConfidenceScore,
	}, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func isEmptyObject(raw json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	return len(fields) == 0
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}
