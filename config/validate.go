package config

import (
	"fmt"
	"time"
)

// ValidationResult is the outcome of validating a single config field.
// Mirrors the teacher's field-by-field validator shape, narrowed to the
// fields this pipeline actually has.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidationSummary aggregates counts across all validated fields.
type ValidationSummary struct {
	TotalFields   int `json:"total_fields"`
	ValidFields   int `json:"valid_fields"`
	InvalidFields int `json:"invalid_fields"`
	TotalErrors   int `json:"total_errors"`
	TotalWarnings int `json:"total_warnings"`
}

// ValidationReport is the full report produced by Validate.
type ValidationReport struct {
	Valid     bool                         `json:"valid"`
	Results   map[string]*ValidationResult `json:"results"`
	Summary   ValidationSummary            `json:"summary"`
	Timestamp time.Time                    `json:"timestamp"`
}

var validBackends = map[string]bool{"cloud-a": true, "cloud-b": true, "local-neural": true}
var validOutputFormats = map[string]bool{"flac": true, "wav": true, "mp3": true}
var validSampleRates = map[int]bool{8000: true, 16000: true, 22050: true, 44100: true, 48000: true}
var validSearchBackends = map[string]bool{"none": true, "memory": true, "milvus": true, "pgvector": true}

// Validate checks cfg against the ranges and enums spec.md §4.10 defines.
// Missing credentials are reported as warnings here; a run that actually
// selects an uncredentialed backend escalates that to a fatal error
// (see pipeline.Orchestrator's pre-mutation validation).
func Validate(cfg *Config) *ValidationReport {
	results := map[string]*ValidationResult{
		"processing.silence_threshold":    checkRange("silence_threshold", cfg.Processing.SilenceThreshold, 0.001, 1.0),
		"processing.min_silence_duration": checkRange("min_silence_duration", cfg.Processing.MinSilenceDuration, 0.1, 300.0),
		"processing.min_chunk_duration":   checkMin("min_chunk_duration", cfg.Processing.MinChunkDuration, 0),
		"processing.sample_rate":          checkEnumInt("sample_rate", cfg.Processing.SampleRate, validSampleRates),
		"processing.output_format":        checkEnumStr("output_format", cfg.Processing.OutputFormat, validOutputFormats),
		"transcription.default_backend":   checkEnumStr("default_backend", cfg.Transcription.DefaultBackend, validBackends),
		"transcription.max_concurrent":    checkRangeInt("max_concurrent", cfg.Transcription.MaxConcurrent, 1, 10),
		"transcription.search_index.backend": checkEnumStr("search_index.backend", cfg.Transcription.SearchIndex.Backend, validSearchBackends),
	}

	results["credentials.cloud-a"] = checkCredentialWarning("cloud-a", cfg.Credentials.CloudAKey)
	results["credentials.cloud-b"] = checkCredentialWarning("cloud-b", cfg.Credentials.CloudBKey)

	report := &ValidationReport{Results: results, Timestamp: time.Now()}
	report.Valid = true
	for _, r := range results {
		if !r.Valid {
			report.Valid = false
			report.Summary.InvalidFields++
		} else {
			report.Summary.ValidFields++
		}
		report.Summary.TotalErrors += len(r.Errors)
		report.Summary.TotalWarnings += len(r.Warnings)
	}
	report.Summary.TotalFields = len(results)
	return report
}

func checkRange(name string, v, lo, hi float64) *ValidationResult {
	if v < lo || v > hi {
		return &ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("%s=%v out of range [%v, %v]", name, v, lo, hi)}}
	}
	return &ValidationResult{Valid: true}
}

func checkRangeInt(name string, v, lo, hi int) *ValidationResult {
	if v < lo || v > hi {
		return &ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("%s=%d out of range [%d, %d]", name, v, lo, hi)}}
	}
	return &ValidationResult{Valid: true}
}

func checkMin(name string, v, lo float64) *ValidationResult {
	if v < lo {
		return &ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("%s=%v below minimum %v", name, v, lo)}}
	}
	return &ValidationResult{Valid: true}
}

func checkEnumStr(name, v string, allowed map[string]bool) *ValidationResult {
	if !allowed[v] {
		return &ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("%s=%q is not one of the recognized values", name, v)}}
	}
	return &ValidationResult{Valid: true}
}

func checkEnumInt(name string, v int, allowed map[int]bool) *ValidationResult {
	if !allowed[v] {
		return &ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("%s=%d is not one of the recognized values", name, v)}}
	}
	return &ValidationResult{Valid: true}
}

func checkCredentialWarning(backendID, value string) *ValidationResult {
	if value == "" {
		return &ValidationResult{Valid: true, Warnings: []string{fmt.Sprintf("no credential configured for backend %q", backendID)}}
	}
	return &ValidationResult{Valid: true}
}
