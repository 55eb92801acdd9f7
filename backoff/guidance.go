package backoff

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shaunpalmer/patchcore/breaker"
)

// GuidanceType is the fixed type tag for the guidance envelope's current
// wire version.
const GuidanceType = "jitter.request.v1"

// GuidanceInstructions is the fixed five-step instruction list every
// guidance envelope carries.
var GuidanceInstructions = []string{
	"Identify the root cause, not just the symptom.",
	"Read the wider context around the failing code before changing it.",
	"Do a mental balance check: every opened brace, paren, and bracket must close.",
	"Make the smallest patch that fixes the root cause.",
	"Return only the patched code, in the requested format.",
}

// GuidanceContext carries the error and code context the generator needs.
type GuidanceContext struct {
	ErrorMessage    string `json:"error_message"`
	OriginalCode    string `json:"original_code"`
	LastPatchCode   string `json:"last_patch_code"`
	Language        string `json:"language"`
	WiderContext    string `json:"wider_context"`
	SyntaxBalance   BalanceReport `json:"syntax_balance"`
}

// LastAttemptStatus summarizes the most recent attempt's progress.
type LastAttemptStatus struct {
	ErrorsResolved int `json:"errors_resolved"`
	ErrorDelta     int `json:"error_delta"`
}

// Constraints bounds what the generator is allowed to change.
type Constraints struct {
	MaxLinesChanged   int      `json:"max_lines_changed"`
	DisallowKeywords  []string `json:"disallow_keywords"`
}

// GuidanceEnvelope is the deterministic payload sent back to the patch
// generator between attempts.
type GuidanceEnvelope struct {
	Type              string            `json:"type"`
	Timestamp         string            `json:"timestamp"`
	Instructions      []string          `json:"instructions"`
	Context           GuidanceContext   `json:"context"`
	Trend             breaker.Summary   `json:"trend"`
	LastAttemptStatus LastAttemptStatus `json:"last_attempt_status"`
	LastEnvelope      string            `json:"last_envelope,omitempty"`
	Constraints       Constraints       `json:"constraints"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// BuildGuidance assembles a GuidanceEnvelope. errorsBefore/errorsAfter
// derive error_delta as the positive drop in errors, or 0.
func BuildGuidance(cfg Config, errorMessage, originalCode, lastPatchCode, language string, summary breaker.Summary, errorsResolved, errorsBefore, errorsAfter int, lastEnvelopeHash string, metadata map[string]string) GuidanceEnvelope {
	delta := errorsBefore - errorsAfter
	if delta < 0 {
		delta = 0
	}

	wider := ExtractWiderContext(originalCode, lastPatchCode)
	balance := BasicBalanceScan(lastPatchCode)

	disallow := make([]string, len(DefaultDisallowedKeywords))
	copy(disallow, DefaultDisallowedKeywords)

	maxLines := cfg.MaxLinesChanged
	if maxLines <= 0 {
		maxLines = 25
	}

	return GuidanceEnvelope{
		Type:         GuidanceType,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Instructions: append([]string(nil), GuidanceInstructions...),
		Context: GuidanceContext{
			ErrorMessage:  errorMessage,
			OriginalCode:  originalCode,
			LastPatchCode: lastPatchCode,
			Language:      language,
			WiderContext:  wider,
			SyntaxBalance: balance,
		},
		Trend: summary,
		LastAttemptStatus: LastAttemptStatus{
			ErrorsResolved: errorsResolved,
			ErrorDelta:     delta,
		},
		LastEnvelope: lastEnvelopeHash,
		Constraints: Constraints{
			MaxLinesChanged:  maxLines,
			DisallowKeywords: disallow,
		},
		Metadata: metadata,
	}
}

// ToPrompt renders the guidance envelope as a prompt+system pair for an
// injected LLM adapter.
func (g GuidanceEnvelope) ToPrompt() (prompt string, system string) {
	system = "You are assisting with a single, minimal code fix. Follow the numbered instructions exactly and return only the patched code."
	raw, _ := json.MarshalIndent(g, "", "  ")
	prompt = fmt.Sprintf("Guidance:\n%s\n\nReturn the patched code only.", string(raw))
	return prompt, system
}

// funcNamePatterns are language-agnostic patterns used to infer the
// enclosing function name of the prior patch.
var funcNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`function\s+([A-Za-z_$][\w$]*)\s*\(`),
	regexp.MustCompile(`func\s+(?:\([^)]*\)\s*)?([A-Za-z_][\w]*)\s*\(`),
	regexp.MustCompile(`([A-Za-z_$][\w$]*)\s*\([^)]*\)\s*\{`),
	regexp.MustCompile(`(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?\([^)]*\)\s*=>`),
	regexp.MustCompile(`def\s+([A-Za-z_][\w]*)\s*\(`),
}

// ExtractWiderContext infers the function touched by the last patch and
// returns its brace-balanced block from originalCode, padded with up to 8
// lines of surrounding context on each side.
func ExtractWiderContext(originalCode, lastPatchCode string) string {
	name := inferFunctionName(lastPatchCode)
	if name == "" {
		return truncateContext(originalCode, 0, 16)
	}

	lines := strings.Split(originalCode, "\n")
	startLine := -1
	for i, line := range lines {
		if strings.Contains(line, name) {
			startLine = i
			break
		}
	}
	if startLine == -1 {
		return truncateContext(originalCode, 0, 16)
	}

	endLine := locateBraceBalancedEnd(lines, startLine)
	lo := startLine - 8
	if lo < 0 {
		lo = 0
	}
	hi := endLine + 8
	if hi >= len(lines) {
		hi = len(lines) - 1
	}
	return strings.Join(lines[lo:hi+1], "\n")
}

func inferFunctionName(code string) string {
	for _, pattern := range funcNamePatterns {
		if m := pattern.FindStringSubmatch(code); m != nil {
			return m[1]
		}
	}
	return ""
}

func locateBraceBalancedEnd(lines []string, startLine int) int {
	depth := 0
	seenOpen := false
	for i := startLine; i < len(lines); i++ {
		for _, r := range lines[i] {
			switch r {
			case '{':
				depth++
				seenOpen = true
			case '}':
				depth--
			}
		}
		if seenOpen && depth <= 0 {
			return i
		}
	}
	return len(lines) - 1
}

func truncateContext(code string, from, maxLines int) string {
	lines := strings.Split(code, "\n")
	to := from + maxLines
	if to > len(lines) {
		to = len(lines)
	}
	return strings.Join(lines[from:to], "\n")
}

// BalanceReport is basic_balance_scan's output: how many brackets of all
// kinds combined are left unclosed, and a heuristic count of lines missing
// a semicolon.
type BalanceReport struct {
	MissingClose          int `json:"missing_close"`
	LikelyMissingSemicolon int `json:"likely_missing_semicolon"`
}

var semicolonTrailRe = regexp.MustCompile(`[A-Za-z0-9_)\]"'` + "`" + `]\s*$`)

// BasicBalanceScan counts opens/closes of (), {}, [] and reports
// missing_close = max(0, open - close), plus a heuristic count of lines
// likely missing a terminating semicolon (non-blank lines that don't end
// in a bracket, operator, or existing semicolon/comment).
func BasicBalanceScan(code string) BalanceReport {
	open := strings.Count(code, "(") + strings.Count(code, "{") + strings.Count(code, "[")
	closeCount := strings.Count(code, ")") + strings.Count(code, "}") + strings.Count(code, "]")
	missing := open - closeCount
	if missing < 0 {
		missing = 0
	}

	likelyMissing := 0
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasSuffix(trimmed, ";") || strings.HasSuffix(trimmed, "{") ||
			strings.HasSuffix(trimmed, "}") || strings.HasSuffix(trimmed, ",") ||
			strings.HasSuffix(trimmed, ":") || strings.HasPrefix(trimmed, "//") ||
			strings.HasPrefix(trimmed, "*") || strings.HasPrefix(trimmed, "/*") {
			continue
		}
		if semicolonTrailRe.MatchString(trimmed) {
			likelyMissing++
		}
	}

	return BalanceReport{MissingClose: missing, LikelyMissingSemicolon: likelyMissing}
}

// fencedCodeBlockRe matches a fenced code block, optionally tagged with a
// language.
var fencedCodeBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)\\n```")

// patchedCodeFieldRe matches a JSON-ish {"patched_code": "..."} field when
// the response isn't valid JSON on its own.
var patchedCodeFieldRe = regexp.MustCompile(`(?s)"patched_code"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// ExtractPatchedCode extracts code from an LLM adapter response: first a
// fenced code block, then a {"patched_code": "..."} JSON field, then the
// raw trimmed text.
func ExtractPatchedCode(response string) (string, error) {
	if response == "" {
		return "", fmt.Errorf("extract_patched_code: empty response")
	}

	if m := fencedCodeBlockRe.FindStringSubmatch(response); m != nil {
		return m[1], nil
	}

	var payload struct {
		PatchedCode string `json:"patched_code"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &payload); err == nil && payload.PatchedCode != "" {
		return payload.PatchedCode, nil
	}

	if m := patchedCodeFieldRe.FindStringSubmatch(response); m != nil {
		unescaped := strings.ReplaceAll(m[1], `\"`, `"`)
		unescaped = strings.ReplaceAll(unescaped, `\n`, "\n")
		return unescaped, nil
	}

	return strings.TrimSpace(response), nil
}
