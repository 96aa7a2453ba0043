package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/GateBatch/internal/batch"
)

func SetupLogger(level string) zerolog.Logger {
	return NewLogger(os.Stdout, level)
}

// NewLogger writes JSON lines to w. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// Logger returns a middleware that logs per-request with duration and status.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return hlog.NewHandler(logger)(
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Int("status", status).
					Int("size", size).
					Dur("dur", duration).
					Msg("req")
			})(
				hlog.UserAgentHandler("ua")(
					hlog.RequestIDHandler("req_id", "X-Request-ID")(next),
				),
			),
		)
	}
}

// ProgressLogger logs one line per settled task. every > 1 thins successful
// tasks to every n-th completion; failures are always logged.
func ProgressLogger(logger zerolog.Logger, every int) func(batch.Progress) {
	if every < 1 {
		every = 1
	}
	return func(p batch.Progress) {
		if p.Result.OK() && p.Completed%every != 0 && p.Completed != p.Total {
			return
		}
		ev := logger.Info()
		if !p.Result.OK() {
			ev = logger.Warn().Err(p.Result.Err)
		}
		ev.Int("completed", p.Completed).
			Int("total", p.Total).
			Int("index", p.Index).
			Str("state", p.Result.State.String()).
			Int("attempts", p.Result.Attempts).
			Msg("progress")
	}
}
