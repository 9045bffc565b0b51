package meter

import (
	"github.com/sirupsen/logrus"

	"github.com/ineyio/quotagate"
)

// LogMeter logs routing events using logrus.
type LogMeter struct {
	Logger logrus.FieldLogger
}

var _ quotagate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, logrus.StandardLogger() is used.
func NewLogMeter(logger logrus.FieldLogger) *LogMeter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnSelect(e quotagate.SelectEvent) {
	entry := m.Logger.WithFields(logrus.Fields{
		"route":       e.Route,
		"request_id":  e.RequestID,
		"outcome":     string(e.Outcome),
		"duration_ms": e.Duration.Milliseconds(),
	})
	if e.Outcome != quotagate.SelectChosen {
		entry.WithError(e.Error).Warn("select")
		return
	}
	d := e.Decision
	entry = entry.WithFields(logrus.Fields{
		"provider": d.Provider,
		"profile":  d.Profile.ID,
		"window":   d.RequestCountInWindow,
		"limit":    d.QuotaLimit,
	})
	if d.PendingCount != nil {
		entry = entry.WithField("pending", *d.PendingCount)
	}
	if d.CurrentRequestsPerSecond != nil {
		entry = entry.WithFields(logrus.Fields{
			"rps":       *d.CurrentRequestsPerSecond,
			"rps_limit": *d.RequestsPerSecondLimit,
		})
	}
	entry.Info("select")
}

func (m *LogMeter) OnResult(e quotagate.ResultEvent) {
	entry := m.Logger.WithFields(logrus.Fields{
		"route":       e.Route,
		"provider":    e.Provider,
		"profile":     e.ProfileID,
		"request_id":  e.RequestID,
		"stream":      e.Stream,
		"status":      e.StatusCode,
		"duration_ms": e.Duration.Milliseconds(),
	})
	if e.Error == nil {
		entry.Info("result")
	} else {
		entry.WithError(e.Error).Warn("result_error")
	}
}

func (m *LogMeter) OnRelease(e quotagate.ReleaseEvent) {
	if e.Error == nil {
		return
	}
	m.Logger.WithFields(logrus.Fields{
		"route":      e.Route,
		"provider":   e.Provider,
		"profile":    e.ProfileID,
		"request_id": e.RequestID,
	}).WithError(e.Error).Error("release_error")
}
