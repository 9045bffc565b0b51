package meter

import "github.com/ineyio/quotagate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotagate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnSelect(quotagate.SelectEvent)   {}
func (m *NoopMeter) OnResult(quotagate.ResultEvent)   {}
func (m *NoopMeter) OnRelease(quotagate.ReleaseEvent) {}
