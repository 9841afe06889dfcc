package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry records one rule-authoring request.
type AuditEntry struct {
	RequestID  string
	Action     string // create, update, deactivate, import, reload
	Resource   string // drug-rules, dosage-rules, factors, bundles, packs
	ResourceID string
	PackID     string
	Method     string
	Path       string
	IPAddress  string
	UserAgent  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every state-changing request under /api/v1/. Evaluations are
// POSTs too but change nothing, so they are skipped.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditable(req.Method, path) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Method:     req.Method,
				Path:       path,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				Resource:   extractResource(path),
				ResourceID: extractResourceID(path),
				PackID:     c.Param("packId"),
				Action:     auditAction(req.Method, path),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "rule_audit").
				Str("request_id", entry.RequestID).
				Str("action", entry.Action).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("pack_id", entry.PackID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("rule_change")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	if !strings.HasPrefix(path, "/api/v1/") {
		return false
	}
	return !strings.Contains(path, "/evaluations/") && !strings.HasSuffix(path, "/decisions")
}

func auditAction(method, path string) string {
	switch {
	case strings.HasSuffix(path, "/deactivate"):
		return "deactivate"
	case strings.HasSuffix(path, "/reload"):
		return "reload"
	case strings.HasSuffix(path, "/bundles"):
		return "import"
	case method == http.MethodPut || method == http.MethodPatch:
		return "update"
	case method == http.MethodDelete:
		return "delete"
	default:
		return "create"
	}
}

// extractResource returns the first path segment after /api/v1/.
//
//   - /api/v1/drug-rules/<id>/deactivate -> drug-rules
//   - /api/v1/packs/p1/reload            -> packs
func extractResource(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}

func extractResourceID(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 1 && isUUIDLike(segments[1]) {
		return segments[1]
	}
	return ""
}

func isUUIDLike(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
