// Package classification holds the waste scan result shape, the instruction
// sent to the completion service and the strict parser for its replies.
package classification

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Bounds of the numeric fields of a ScanResult.
const (
	MaxConfidence = 100
	MaxBasePoints = 50
)

// UnidentifiedWasteType labels results that could not be classified.
const UnidentifiedWasteType = "Unidentified"

// ScanResult is the normalized outcome of one waste scan.
type ScanResult struct {
	WasteType      string  `json:"waste_type"`
	Confidence     float64 `json:"confidence"`
	Recyclable     bool    `json:"recyclable"`
	Description    string  `json:"description"`
	RecyclingGuide string  `json:"recycling_guide"`
	BasePoints     int     `json:"base_points"`
	UserID         string  `json:"user_id"`
}

// Identified reports whether the result carries a real classification.
func (r ScanResult) Identified() bool {
	return r.WasteType != UnidentifiedWasteType && r.Confidence > 0
}

// SystemInstruction is sent with every scan.
const SystemInstruction = `You are an expert waste classification AI for RecycleBud. Analyze the image and identify the type of waste.

Respond with a JSON object containing:
- "waste_type": The category of waste (e.g., "Plastik PET", "Kertas Karton", "Kaleng Aluminium", "Organik", "Elektronik", "Kaca", "Tekstil", "B3 (Berbahaya)")
- "confidence": A percentage (0-100) of how confident you are
- "recyclable": Boolean indicating if the item is recyclable
- "description": A brief description of the detected item
- "recycling_guide": Step-by-step instructions on how to properly recycle or dispose of this item
- "base_points": Points to award (10-50 based on recyclability and effort, 0 if the waste cannot be identified)

Only respond with valid JSON, no additional text.`

// UserPrompt accompanies the image in the user turn.
const UserPrompt = "Please analyze this image and identify the waste type. Provide recycling instructions."

// Fallback is returned when the completion text cannot be parsed.
func Fallback() ScanResult {
	return ScanResult{
		WasteType:      UnidentifiedWasteType,
		Confidence:     0,
		Recyclable:     false,
		Description:    "Unable to identify the waste type from this image.",
		RecyclingGuide: "Please take a clearer photo or try a different angle.",
		BasePoints:     0,
	}
}

const fenceTagChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_+- \t"

// StripCodeFences removes markdown triple-backtick wrapping, with or without a
// language tag. Text that is already valid JSON is only trimmed, so backticks
// inside string values survive.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if json.Valid([]byte(s)) {
		return s
	}

	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	s = s[start+3:]
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:]
	} else {
		s = strings.TrimLeft(s, fenceTagChars)
	}
	// the closing fence is the last one; earlier ones belong to the payload
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// Parse validates completion text against the ScanResult shape.
// The text must be a JSON object with a non-blank string waste_type; every other
// field falls back to its zero value when missing or malformed. Numeric fields are
// clamped to their bounds and user_id is never read from the text.
func Parse(text string) (ScanResult, bool) {
	cleaned := StripCodeFences(text)
	if cleaned == "" {
		return ScanResult{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil || fields == nil {
		return ScanResult{}, false
	}

	wasteType, ok := stringField(fields, "waste_type")
	if !ok || strings.TrimSpace(wasteType) == "" {
		return ScanResult{}, false
	}

	res := ScanResult{WasteType: strings.TrimSpace(wasteType)}
	if v, ok := numberField(fields, "confidence"); ok {
		res.Confidence = clamp(v, 0, MaxConfidence)
	}
	if v, ok := boolField(fields, "recyclable"); ok {
		res.Recyclable = v
	}
	res.Description, _ = stringField(fields, "description")
	res.RecyclingGuide, _ = stringField(fields, "recycling_guide")
	if v, ok := numberField(fields, "base_points"); ok {
		res.BasePoints = int(clamp(math.Round(v), 0, MaxBasePoints))
	}
	if res.Confidence == 0 {
		res.BasePoints = 0
	}
	return res, true
}

// ParseOrFallback returns the parsed result, or Fallback when parsing fails.
func ParseOrFallback(text string) (ScanResult, bool) {
	if res, ok := Parse(text); ok {
		return res, true
	}
	return Fallback(), false
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func boolField(fields map[string]json.RawMessage, key string) (bool, bool) {
	raw, ok := fields[key]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// numberField accepts JSON numbers and numeric strings such as "92" or "92%".
func numberField(fields map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := fields[key]
	if !ok {
		return 0, false
	}
	raw = bytes.TrimSpace(raw)

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
