package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/latitude-dev/latitude-llm-sub007/internal/config"
)

// Configure sets up the standard logrus logger from cfg and returns it.
// Components receive this logger explicitly; the package-level logrus
// functions log through the same instance.
func Configure(cfg config.LogConfig) (*log.Logger, error) {
	return configure(log.StandardLogger(), cfg, os.Stdout)
}

func configure(logger *log.Logger, cfg config.LogConfig, out io.Writer) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&log.TextFormatter{ForceColors: isTerminal(out), FullTimestamp: true})
	default:
		return nil, errors.Errorf("unknown log format %q", cfg.Format)
	}

	logger.SetLevel(level)
	logger.SetOutput(out)
	return logger, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
