package meter

import "github.com/ineyio/quotagate"

// Multi fans every event out to each meter in order.
type Multi []quotagate.Meter

var _ quotagate.Meter = Multi(nil)

func (m Multi) OnSelect(e quotagate.SelectEvent) {
	for _, mm := range m {
		mm.OnSelect(e)
	}
}

func (m Multi) OnResult(e quotagate.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}

func (m Multi) OnRelease(e quotagate.ReleaseEvent) {
	for _, mm := range m {
		mm.OnRelease(e)
	}
}
