package app

import (
	"io"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtlink/internal/config"
	"github.com/petervdpas/rtlink/internal/viewer"
)

func parseLevel(s string) logging.LogLevel {
	lvl, err := logging.LevelFromString(s)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}

// setupLogging sends plain text to stderr at the configured levels.
func setupLogging(c config.Log) {
	subs := make(map[string]logging.LogLevel, len(c.Subsystems))
	for name, lvl := range c.Subsystems {
		subs[name] = parseLevel(lvl)
	}
	logging.SetupLogging(logging.Config{
		Format:          logging.PlaintextOutput,
		Level:           parseLevel(c.Level),
		SubsystemLevels: subs,
		Stderr:          true,
	})
}

// applyLevels changes levels on a running process.
func applyLevels(c config.Log) {
	logging.SetAllLoggers(parseLevel(c.Level))
	for name, lvl := range c.Subsystems {
		if err := logging.SetLogLevel(name, lvl); err != nil {
			log.Warnf("log level %s=%s: %v", name, lvl, err)
		}
	}
}

// pipeLogs copies every log line, as JSON, into buf until the returned stop
// func is called.
func pipeLogs(buf *viewer.LogBuffer) (stop func()) {
	r := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(buf, r)
	}()
	return func() {
		_ = r.Close()
		<-done
	}
}
