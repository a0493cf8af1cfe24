// Package rdlog wires the spec's LOG_HCDM / LOG_SCDM / LOG_IODM /
// LOG_FILE environment knobs onto logrus, the logging library carried
// from the teacher's dependency set.
//
// The three *DM variables are independent verbosity levels in the
// original (handshake, session, I/O debug message levels); here they
// select the logrus level of three named sub-loggers sharing one
// output.
package rdlog

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Named loggers for the three debug-message categories the original
// environment variables controlled.
var (
	Handshake = log.New()
	Session   = log.New()
	IO        = log.New()
)

// defaultLogFile is the log path used when LOG_FILE is unset, matching
// the original's LOG_FILENAME default.
const defaultLogFile = "rdist.log"

// Setup reads LOG_HCDM, LOG_SCDM, LOG_IODM, and LOG_FILE from the
// environment and configures the three sub-loggers. Called once from
// each binary's main.
func Setup() error {
	path := os.Getenv("LOG_FILE")
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	Handshake.SetOutput(f)
	Session.SetOutput(f)
	IO.SetOutput(f)

	Handshake.SetLevel(levelFromEnv("LOG_HCDM"))
	Session.SetLevel(levelFromEnv("LOG_SCDM"))
	IO.SetLevel(levelFromEnv("LOG_IODM"))
	return nil
}

// levelFromEnv maps an integer verbosity (as in the original env
// vars) onto a logrus level: 0 -> Warn, 1 -> Info, 2+ -> Debug,
// 10+ -> Trace, matching the original's "hcdm > 9" style escalation.
func levelFromEnv(name string) log.Level {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil || n <= 0 {
		return log.WarnLevel
	}
	switch {
	case n >= 10:
		return log.TraceLevel
	case n >= 2:
		return log.DebugLevel
	default:
		return log.InfoLevel
	}
}
