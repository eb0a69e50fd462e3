package errors

import (
	"time"

	"github.com/go-lark/lark"

	"moff.io/wallet-gateway/pkg/log"
)

type larkReporter struct {
	bot     *lark.Bot
	limiter *siteLimiter
}

// NewLarkReporter 飞书机器人告警，webhook为空时跳过
func NewLarkReporter(webhook string, silent time.Duration) {
	if webhook == "" {
		log.Warn("empty lark webhook found, skipping lark reporter initialization.")
		return
	}
	Register(&larkReporter{bot: lark.NewNotificationBot(webhook), limiter: newSiteLimiter(silent)})
	log.Info("Lark error reporter initialized.")
}

func (r *larkReporter) Report(i *Incident) {
	allowed, stats := r.limiter.allow(i.Site(), i.At)
	if !allowed {
		return
	}
	pb := lark.NewPostBuilder()
	pb.Title("wallet-gateway error")
	for n, line := range i.lines(stats) {
		if n > 0 {
			line = "\n" + line
		}
		pb.TextTag(line, 1, true)
	}
	if _, err := r.bot.PostNotificationV2(lark.OutcomingMessage{
		MsgType: "post",
		Content: lark.MessageContent{
			Post: pb.Render(),
		},
	}); err != nil {
		log.Warnf("lark report: %v", err)
	}
}
