package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyAccount    = "account"
	KeyRepo       = "repository"
	KeyBranch     = "branch"
	KeyKey        = "key"
	KeyCommit     = "commit"
	KeyCategory   = "category"
	KeyPath       = "path"
	KeyArtifact   = "artifact"
	KeyGroup      = "group"
	KeyMethod     = "method"
	KeyStatus     = "status"
	KeyDurationMS = "duration_ms"
	KeyRemoteAddr = "remote_addr"
	KeyUserAgent  = "user_agent"
	KeyRequestID  = "request_id"
	KeyQueue      = "queue"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Account(a string) slog.Attr      { return slog.String(KeyAccount, a) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func Key(k string) slog.Attr          { return slog.String(KeyKey, k) }
func Commit(c string) slog.Attr       { return slog.String(KeyCommit, c) }
func Category(c string) slog.Attr     { return slog.String(KeyCategory, c) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Artifact(p string) slog.Attr     { return slog.String(KeyArtifact, p) }
func Group(g string) slog.Attr        { return slog.String(KeyGroup, g) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func Status(s int) slog.Attr          { return slog.Int(KeyStatus, s) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }
func UserAgent(ua string) slog.Attr   { return slog.String(KeyUserAgent, ua) }
func RequestID(id string) slog.Attr   { return slog.String(KeyRequestID, id) }
func Queue(name string) slog.Attr     { return slog.String(KeyQueue, name) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
