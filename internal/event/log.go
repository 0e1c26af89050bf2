// Package event provides the shared structured logger.
package event

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the logger used by all internal packages.
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetFormatter(&logrus.TextFormatter{
		DisableColors:   false,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	Log.SetLevel(logrus.InfoLevel)
}

// SetLevel parses a level name like "debug" or "warn" and applies it.
// Unknown names leave the current level unchanged and return false.
func SetLevel(name string) bool {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		return false
	}
	Log.SetLevel(lvl)
	return true
}
