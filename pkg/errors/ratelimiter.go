package errors

import (
	"sync"
	"time"
)

// siteStats 某一发生处的上报统计
type siteStats struct {
	total      int
	suppressed int
	lastReport time.Time
}

// siteLimiter 按错误发生处限流告警，silent内同一发生处只上报一次
type siteLimiter struct {
	mu     sync.Mutex
	silent time.Duration
	sites  map[string]*siteStats
}

func newSiteLimiter(silent time.Duration) *siteLimiter {
	return &siteLimiter{silent: silent, sites: make(map[string]*siteStats)}
}

// allow 返回是否上报，以及本次之前的统计
func (l *siteLimiter) allow(site string, now time.Time) (bool, siteStats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.sites[site]
	if !ok {
		st = &siteStats{}
		l.sites[site] = st
	}
	before := *st
	st.total++
	if !st.lastReport.IsZero() && now.Sub(st.lastReport) < l.silent {
		st.suppressed++
		return false, before
	}
	st.suppressed = 0
	st.lastReport = now
	return true, before
}
