package ratelimit

// Registry owns the three disjoint bucket families defined by the gateway's
// admission policy: general request traffic, terminal creation, and PTY
// input. Keys are computed by callers (client IP for general/create,
// "IP|sessionID" for input) so that exhausting one session's input bucket
// never touches another session's.
type Registry struct {
	General        *Limiter
	TerminalCreate *Limiter
	Input          *Limiter
}

type Buckets struct {
	General        Config
	TerminalCreate Config
	Input          Config
}

func NewRegistry(b Buckets) *Registry {
	return &Registry{
		General:        New(b.General),
		TerminalCreate: New(b.TerminalCreate),
		Input:          New(b.Input),
	}
}

func InputKey(ip, sessionID string) string {
	return ip + "|" + sessionID
}
