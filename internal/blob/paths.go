package blob

import "fmt"

// Artifact keys are deterministic functions of document, page, and section
// identity so stage reruns overwrite their own output and nothing else.

// PageImageKey returns the key for a rendered page image.
func PageImageKey(docID, pageID, ext string) string {
	return fmt.Sprintf("%s/pages/%s/image.%s", docID, pageID, ext)
}

// PageRawTextKey returns the key for the raw OCR provider response.
func PageRawTextKey(docID, pageID string) string {
	return fmt.Sprintf("%s/pages/%s/rawText.json", docID, pageID)
}

// PageTextKey returns the key for the parsed markdown text view.
func PageTextKey(docID, pageID string) string {
	return fmt.Sprintf("%s/pages/%s/text.md", docID, pageID)
}

// PageTextConfidenceKey returns the key for the compact per-token confidence view.
func PageTextConfidenceKey(docID, pageID string) string {
	return fmt.Sprintf("%s/pages/%s/textConfidence.json", docID, pageID)
}

// SectionResultKey returns the key for a section's extraction record.
func SectionResultKey(docID, sectionID string) string {
	return fmt.Sprintf("%s/sections/%s/result.json", docID, sectionID)
}

// SectionAssessmentKey returns the key for a section's assessment record.
func SectionAssessmentKey(docID, sectionID string) string {
	return fmt.Sprintf("%s/sections/%s/assessment.json", docID, sectionID)
}

// SummaryKey returns the key for the document-level summary.
func SummaryKey(docID string) string {
	return fmt.Sprintf("%s/summary/summary.md", docID)
}

// SectionSummaryKey returns the key for a section summary.
func SectionSummaryKey(docID, sectionID string) string {
	return fmt.Sprintf("%s/summary/sections/%s.md", docID, sectionID)
}

// EvaluationKey returns the key for the evaluation result.
func EvaluationKey(docID string) string {
	return fmt.Sprintf("%s/evaluation/result.json", docID)
}

// RuleValidationSectionKey returns the key for per-section rule facts.
func RuleValidationSectionKey(docID, sectionID string) string {
	return fmt.Sprintf("%s/rule_validation/sections/%s.json", docID, sectionID)
}

// RuleValidationSummaryJSONKey returns the key for the consolidated rule verdicts.
func RuleValidationSummaryJSONKey(docID string) string {
	return fmt.Sprintf("%s/rule_validation/consolidated/summary.json", docID)
}

// RuleValidationSummaryMarkdownKey returns the key for the consolidated rule report.
func RuleValidationSummaryMarkdownKey(docID string) string {
	return fmt.Sprintf("%s/rule_validation/consolidated/summary.md", docID)
}

// CompressedKey returns the key for an oversized-document envelope blob.
// Only written when compression is triggered.
func CompressedKey(docID, step string) string {
	return fmt.Sprintf("%s/compressed/%s.json", docID, step)
}
