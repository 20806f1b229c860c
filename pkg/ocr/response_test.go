package ocr

import (
	"errors"
	"testing"
)

func TestParseResponseFlatShape(t *testing.T) {
	res, err := ParseResponse([]byte(`{"transcribedText":"BP 120/80","structuredData":{"bp":"120/80"},"confidenceScore":0.87}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.TranscribedText != "BP 120/80" || string(res.StructuredData) != `{"bp":"120/80"}` {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ConfidenceScore == nil || *res.ConfidenceScore != 0.87 {
		t.Fatalf("expected confidence 0.87, got %v", res.ConfidenceScore)
	}
}

func TestParseResponseFallsBackToPreprocessedText(t *testing.T) {
	res, err := ParseResponse([]byte(`{"medical_analysis":{"preprocessed_text":"Duration: 3 days"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.TranscribedText != "Duration: 3 days" {
		t.Fatalf("unexpected text %q", res.TranscribedText)
	}
}

func TestNormalizeText(t *testing.T) {
	cases := []struct{ in, want string }{
		{in: "Name: <b>John</b> &amp; Co <loc_12><loc_391>", want: "Name: John & Co"},
		{in: "line1\n\n\tline2\x00", want: "line1 line2"},
		{in: "<p>Rx</p><script>alert(1)</script><p>Ibuprofen</p>", want: "Rx Ibuprofen"},
		{in: "BP < 140 mmHg", want: "BP < 140 mmHg"},
		{in: "Potassium <Low, recheck in 2 days. Metformin 500mg", want: "Potassium <Low, recheck in 2 days. Metformin 500mg"},
		{in: "HbA1c<normal range; continue Amoxicillin", want: "HbA1c<normal range; continue Amoxicillin"},
		{in: "Dose: 5 mg <b.d.> for 7 days", want: "Dose: 5 mg <b.d.> for 7 days"},
		{in: `<span class="rx">Aspirin</span><br/>81 mg`, want: "Aspirin 81 mg"},
		{in: "literal &lt;b&gt; stays", want: "literal <b> stays"},
		{in: "   ", want: ""},
	}
	for _, tc := range cases {
		if got := NormalizeText(tc.in); got != tc.want {
			t.Fatalf("NormalizeText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseResponseRejectsEmptyAnalysis(t *testing.T) {
	for _, body := range []string{
		`{"medical_analysis":{}}`,
		`{"ocr_results":{"ocr_extracted_text":""},"medical_analysis":{}}`,
		`{"transcribedText":"","structuredData":null}`,
	} {
		_, err := ParseResponse([]byte(body))
		var upErr *UpstreamError
		if !errors.As(err, &upErr) || upErr.Kind != KindMalformed {
			t.Fatalf("ParseResponse(%s): expected malformed error, got %v", body, err)
		}
	}
}

func TestParseResponseKeepsAnalysisWithoutText(t *testing.T) {
	res, err := ParseResponse([]byte(`{"medical_analysis":{"medications":[{"name":"Amoxicillin"}]}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.TranscribedText != "" || string(res.StructuredData) != `{"medications":[{"name":"Amoxicillin"}]}` {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestParseResponseKeepsClinicalComparisons(t *testing.T) {
	body := `{"ocr_results":{"ocr_extracted_text":"Potassium <Low, recheck in 2 days. Metformin 500mg"},"medical_analysis":{"ocr_extracted_text":""}}`
	res, err := ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.TranscribedText != "Potassium <Low, recheck in 2 days. Metformin 500mg" {
		t.Fatalf("transcription was truncated: %q", res.TranscribedText)
	}
}
