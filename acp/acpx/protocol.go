package acpx

import (
	"encoding/json"
	"strings"
)

// The acpx CLI speaks newline-delimited JSON: one object per line on stdout.
// The parser here is deliberately tolerant. Blank lines and lines that fail
// to parse as a JSON object are skipped, never fatal, because the CLI is free
// to interleave diagnostics with records.

// parseLine parses a single NDJSON line. Returns (nil, false) for blank
// lines and anything that is not a JSON object.
func parseLine(line string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, false
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, false
	}
	if record == nil {
		return nil, false
	}
	return record, true
}

// parseJSONLines parses an entire NDJSON payload, skipping unparseable lines.
func parseJSONLines(raw string) []map[string]any {
	var records []map[string]any
	for _, line := range strings.Split(raw, "\n") {
		if record, ok := parseLine(line); ok {
			records = append(records, record)
		}
	}
	return records
}

// errorEvent is the normalized shape of a backend error record.
type errorEvent struct {
	Message   string
	Code      string
	Retryable bool
}

// classifyErrorEvent structurally matches an error record. A record is an
// error event when it carries type "error", or a non-empty string "error"
// field, or a string "message" alongside a truthy "isError"/"is_error" flag.
// Matching is structural, not positional: an error anywhere in the output
// counts, including on a zero-exit invocation.
func classifyErrorEvent(record map[string]any) *errorEvent {
	message := ""
	matched := false

	if typ, _ := record["type"].(string); typ == "error" {
		matched = true
		message, _ = record["message"].(string)
		if message == "" {
			message, _ = record["error"].(string)
		}
	}
	if !matched {
		if errMsg, _ := record["error"].(string); errMsg != "" {
			matched = true
			message = errMsg
		}
	}
	if !matched {
		isErr, _ := record["isError"].(bool)
		if !isErr {
			isErr, _ = record["is_error"].(bool)
		}
		if isErr {
			matched = true
			message, _ = record["message"].(string)
		}
	}
	if !matched {
		return nil
	}

	if message == "" {
		message = "acpx reported an error"
	}

	ev := &errorEvent{Message: message}
	if code, ok := record["code"].(string); ok {
		ev.Code = code
	}
	if retryable, ok := record["retryable"].(bool); ok {
		ev.Retryable = retryable
	}
	return ev
}

// firstErrorEvent scans records in order and returns the first error event.
func firstErrorEvent(records []map[string]any) *errorEvent {
	for _, record := range records {
		if ev := classifyErrorEvent(record); ev != nil {
			return ev
		}
	}
	return nil
}

// isDoneRecord reports whether a record is a terminal done record.
func isDoneRecord(record map[string]any) (stopReason string, ok bool) {
	typ, _ := record["type"].(string)
	if typ != "done" {
		return "", false
	}
	stopReason, _ = record["stopReason"].(string)
	if stopReason == "" {
		stopReason, _ = record["stop_reason"].(string)
	}
	return stopReason, true
}

// stringField returns the first non-empty string value among the given keys.
func stringField(record map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := record[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// tailOf returns the last n characters of s, trimmed. Used to keep stderr
// excerpts in error messages bounded.
func tailOf(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
