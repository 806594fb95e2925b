package sink

import (
	"fmt"

	"github.com/roffe/pidscan/pkg/pidscan"
	log "github.com/sirupsen/logrus"
)

// Log writes every result as an info line.
type Log struct {
	log *log.Entry
}

func NewLog(l *log.Entry) *Log {
	if l == nil {
		l = log.NewEntry(log.StandardLogger())
	}
	return &Log{log: l}
}

func (l *Log) Name() string {
	return "log"
}

func (l *Log) Write(r pidscan.Result) error {
	l.log.WithFields(log.Fields{
		"ecu":     fmt.Sprintf("%X", r.Ecu),
		"pid":     fmt.Sprintf("%04X", r.PID),
		"len":     len(r.Payload),
		"session": r.Session,
	}).Infof("% X", r.Payload)
	return nil
}

func (l *Log) Close() error {
	return nil
}
