package supervisor

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes terminal color and cursor escape sequences.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// AttachLogger forwards output lines to l, stdout at info level and stderr at warn level.
// Escape sequences and trailing line terminators are removed and blank lines are dropped.
// The returned func detaches the logger.
func (p *Process) AttachLogger(l *zap.SugaredLogger) func() {
	forward := func(stream string, logw func(string, ...interface{})) func(string) {
		return func(line string) {
			line = strings.TrimRight(StripANSI(line), "\r\n")
			if strings.TrimSpace(line) == "" {
				return
			}
			logw(line, "Stream", stream)
		}
	}
	stdoutSub := p.Stdout.OnLine(forward("stdout", l.Infow))
	stderrSub := p.Stderr.OnLine(forward("stderr", l.Warnw))
	return func() {
		stdoutSub.Unsubscribe()
		stderrSub.Unsubscribe()
	}
}
