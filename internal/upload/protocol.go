package upload

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Endpoint paths relative to the server URL.
const (
	PresignPath  = "/api/upload/presign"
	CompletePath = "/api/upload/complete"
	ResultsPath  = "/processing/"

	ContentTypeZip = "application/zip"
)

// envelope is the service's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PresignRequest asks for an upload slot.
type PresignRequest struct {
	Size        int64  `json:"size"`
	Fingerprint string `json:"fingerprint"`
	ContentType string `json:"content_type"`
}

// PresignResponse is the data of a successful presign.
type PresignResponse struct {
	UploadURL   string `json:"upload_url"`
	UploadToken string `json:"upload_token,omitempty"`
	JobID       string `json:"job_id"`
}

// CompleteRequest registers the uploaded archive as a processing job.
type CompleteRequest struct {
	JobID       string `json:"job_id"`
	Fingerprint string `json:"fingerprint"`
	UploadToken string `json:"upload_token,omitempty"`
}

// CompleteResponse is the data of a successful completion.
type CompleteResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	ResultsURL string `json:"results_url,omitempty"`
}

const maxErrorLen = 200

// SanitizeErrorBody turns an error response body into a short message:
// the title of an HTML page, the error or message field of a JSON object,
// or the text itself cut to 200 bytes.
func SanitizeErrorBody(body string) string {
	s := strings.TrimSpace(body)
	if s == "" {
		return "(empty response)"
	}

	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") {
		if title := htmlTitle(s, lower); title != "" {
			return title
		}
		return "Server returned an HTML error page"
	}

	if strings.HasPrefix(s, "{") {
		var obj map[string]any
		if json.Unmarshal([]byte(s), &obj) == nil {
			for _, key := range []string{"error", "message"} {
				if v, ok := obj[key].(string); ok && v != "" {
					return v
				}
			}
		}
	}

	if len(s) > maxErrorLen {
		cut := maxErrorLen
		// Do not split a UTF-8 sequence.
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func htmlTitle(s, lower string) string {
	start := strings.Index(lower, "<title>")
	if start < 0 {
		return ""
	}
	end := strings.Index(lower[start:], "</title>")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(s[start+len("<title>") : start+end])
}

// FormatSize renders a byte count for people.
func FormatSize(n int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)
	switch {
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/kb)
	}
	return fmt.Sprintf("%d bytes", n)
}
