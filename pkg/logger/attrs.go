package logger

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"

	"github.com/google/uuid"
)

// ensureInstanceID falls back to "<host>-<pid>-<rand>" so two processes on
// one host stay distinguishable in aggregated logs.
func ensureInstanceID(v string) string {
	if v != "" {
		return v
	}
	hn, err := os.Hostname()
	if err != nil || hn == "" {
		hn = "unknown"
	}
	rnd := uuid.New()
	return hn + "-" + strconv.Itoa(os.Getpid()) + "-" + rnd.String()[:6]
}

func commonAttrs(cfg Config) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("instance_id", cfg.InstanceID),
	}
	if cfg.Version != "" {
		attrs = append(attrs, slog.String("version", cfg.Version))
	}
	if cfg.Env != EnvProd {
		attrs = append(attrs, slog.String("go", runtime.Version()))
	}
	return attrs
}
