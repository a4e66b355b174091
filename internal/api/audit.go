package api

import (
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
)

func (h *TerminalHandler) audit(r *http.Request, action, sessionID string, extra map[string]any) {
	if h == nil || !h.cfg.Server.AuditLogs {
		return
	}

	fields := []any{
		"action", action,
		"sessionId", sessionID,
		"path", r.URL.Path,
		"method", r.Method,
		"remote", remoteIP(r),
	}

	if extra != nil {
		for k, v := range extra {
			fields = append(fields, k, v)
		}
	}

	log.Info("audit", fields...)
}

func remoteIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
