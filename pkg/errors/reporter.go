package errors

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/certifi/gocertifi"
	"github.com/getsentry/sentry-go"

	"moff.io/wallet-gateway/pkg/errors/reporter"
	"moff.io/wallet-gateway/pkg/log"
)

// 设置该环境变量后不上报错误
const debugMode = "DEBUG"

const selfPackage = "moff.io/wallet-gateway/pkg/errors."

// Incident 一次待上报的错误及其调用栈
type Incident struct {
	Err    error
	Stacks []string
	At     time.Time
}

// Site 错误发生处，即调用栈中第一个不属于本包的帧
func (i *Incident) Site() string {
	for _, s := range i.Stacks {
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, selfPackage) || strings.Contains(s, "_test.go:") {
			return s
		}
	}
	return ""
}

// lines 告警文本，stats为该发生处的上报统计
func (i *Incident) lines(stats siteStats) []string {
	last := "none"
	if !stats.lastReport.IsZero() {
		last = stats.lastReport.Format("2006.01.02 15:04")
	}
	out := []string{
		"last report: " + last,
		"suppressed since last report: " + strconv.Itoa(stats.suppressed),
		"error: " + i.Err.Error(),
		"stacks:",
	}
	for _, s := range i.Stacks {
		if s != "" {
			out = append(out, "    "+s)
		}
	}
	return out
}

// Reporter 错误报告器
type Reporter interface {
	Report(*Incident)
}

var (
	reportersMu sync.RWMutex
	reporters   []Reporter
)

func init() {
	if os.Getenv(debugMode) == "" {
		log.Info("Env DEBUG not set, report errors enabled.")
	} else {
		log.Info("Env DEBUG set, report errors disabled.")
	}
}

// Register 注册报告器
func Register(r Reporter) {
	reportersMu.Lock()
	defer reportersMu.Unlock()
	reporters = append(reporters, r)
}

// ResetReporters 移除所有报告器
func ResetReporters() {
	reportersMu.Lock()
	defer reportersMu.Unlock()
	reporters = nil
}

func report(err error) {
	if err == nil || os.Getenv(debugMode) != "" {
		return
	}
	reportersMu.RLock()
	rs := append([]Reporter(nil), reporters...)
	reportersMu.RUnlock()
	if len(rs) == 0 {
		return
	}
	incident := &Incident{Err: err, Stacks: callers().fullStack(), At: time.Now()}
	for _, r := range rs {
		r.Report(incident)
	}
}

type ReporterOptions struct {
	SentryDSN       string
	LarkWebhook     string
	DingTalkWebhook string
	DingTalkSecret  string
	// Silent 同一发生处两次告警的最小间隔，Sentry不受限制
	Silent time.Duration
}

// SetupReporters 按配置初始化报告器，未配置的跳过
func SetupReporters(opts ReporterOptions) error {
	if opts.Silent <= 0 {
		opts.Silent = time.Minute
	}
	if err := NewSentryReporter(opts.SentryDSN); err != nil {
		return err
	}
	NewLarkReporter(opts.LarkWebhook, opts.Silent)
	NewDingTalkReporter(opts.DingTalkWebhook, opts.DingTalkSecret, opts.Silent)
	return nil
}

type sentryReporter struct{}

func (s *sentryReporter) Report(i *Incident) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("site", i.Site())
		sentry.CaptureException(i.Err)
	})
}

// NewSentryReporter 初始化sentry报告器，DSN为空时跳过
func NewSentryReporter(sentryDSN string) error {
	if sentryDSN == "" {
		log.Warn("empty DSN found, skipping sentry reporter initialization.")
		return nil
	}
	rootCAs, err := gocertifi.CACerts()
	if err != nil {
		return Wrap(err, "init sentry CA")
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: sentryDSN, CaCerts: rootCAs}); err != nil {
		return Wrap(err, "init sentry")
	}
	Register(&sentryReporter{})
	log.Info("sentry error reporter initialized.")
	return nil
}

type dingTalkReporter struct {
	robot   reporter.DingTalkRobot
	limiter *siteLimiter
}

// NewDingTalkReporter 钉钉机器人告警，webhook为空时跳过
func NewDingTalkReporter(webhook, secret string, silent time.Duration) {
	if webhook == "" {
		log.Warn("empty dingtalk webhook found, skipping dingtalk reporter initialization.")
		return
	}
	Register(&dingTalkReporter{robot: reporter.NewDingTalkRobot(webhook, secret), limiter: newSiteLimiter(silent)})
	log.Info("dingtalk error reporter initialized.")
}

func (r *dingTalkReporter) Report(i *Incident) {
	allowed, stats := r.limiter.allow(i.Site(), i.At)
	if !allowed {
		return
	}
	if err := r.robot.SendText(strings.Join(i.lines(stats), "\n"), nil, true); err != nil {
		log.Warnf("dingtalk report: %v", err)
	}
}
