package mcp

import (
	"fmt"
	"strconv"
	"strings"

	"scrapingbrowser-mcp-server/internal/browser"
)

// Envelope is the JSON shape every tool returns.
type Envelope struct {
	OK     bool                   `json:"ok"`
	Tool   string                 `json:"tool"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Output interface{}            `json:"output,omitempty"`
	Error  *ErrorBody             `json:"error,omitempty"`
}

// ErrorBody is the structured error inside a failed envelope.
type ErrorBody struct {
	Type    string                 `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// redactedArgs are input keys whose values are never echoed back.
var redactedArgs = map[string]bool{
	"text":     true,
	"password": true,
}

func echoInput(args map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if redactedArgs[k] {
			if s, ok := v.(string); ok {
				out[k] = fmt.Sprintf("<%d chars>", len([]rune(s)))
				continue
			}
		}
		out[k] = v
	}
	return out
}

func success(tool string, args map[string]interface{}, output interface{}) Envelope {
	return Envelope{OK: true, Tool: tool, Input: echoInput(args), Output: output}
}

func failure(tool string, args map[string]interface{}, err *browser.Error) Envelope {
	return Envelope{
		OK:    false,
		Tool:  tool,
		Input: echoInput(args),
		Error: &ErrorBody{
			Type:    string(err.Type),
			Code:    err.Code(),
			Message: err.Message,
			Details: err.Details,
		},
	}
}

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		return fallback
	default:
		return fallback
	}
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
