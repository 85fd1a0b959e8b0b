package process

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voc/camstream/credurl"
)

// logWriter forwards child output line by line to the logger.
// Credentials are replaced before anything is logged or retained.
type logWriter struct {
	log    zerolog.Logger
	redact *strings.Replacer

	mutex     sync.Mutex
	partial   []byte
	lastError string
}

// newLogWriter hides source, the authenticated address, as well as password in both its
// encoded and raw form. The longest form is listed first so it wins at a shared position.
func newLogWriter(logger zerolog.Logger, source, password string) *logWriter {
	var pairs []string
	if source != "" {
		pairs = append(pairs, source, credurl.Redact(source))
	}
	if password != "" {
		if encoded := credurl.Encode(password); encoded != password {
			pairs = append(pairs, encoded, "***")
		}
		pairs = append(pairs, password, "***")
	}
	return &logWriter{
		log:    logger,
		redact: strings.NewReplacer(pairs...),
	}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexAny(data, "\r\n")
		if idx == -1 {
			break
		}
		w.line(data[:idx])
		data = data[idx+1:]
	}
	// keep incomplete lines for the next write, bounded to avoid runaway memory
	if len(data) > 4096 {
		w.line(data)
		data = nil
	}
	w.partial = append(w.partial[:0], data...)
	return total, nil
}

// lock must be held by caller
func (w *logWriter) line(raw []byte) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return
	}
	line = w.redact.Replace(line)
	if strings.Contains(strings.ToLower(line), "error") {
		w.lastError = line
		w.log.Warn().Str("output", line).Msg("ffmpeg")
		return
	}
	w.log.Debug().Str("output", line).Msg("ffmpeg")
}

// LastError returns the most recent output line mentioning an error.
func (w *logWriter) LastError() string {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.lastError
}
