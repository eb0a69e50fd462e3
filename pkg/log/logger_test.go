package log

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"moff.io/wallet-gateway/pkg/log/meta"
)

func TestSetLevelName(t *testing.T) {
	defer SetLevelName("info")
	cases := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		" WARN ":  logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"trace":   logrus.InfoLevel,
		"panic":   logrus.InfoLevel,
		"":        logrus.InfoLevel,
	}
	for name, want := range cases {
		SetLevelName(name)
		assert.Equal(t, want, Level(), name)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevelName("warn")
	defer SetLevelName("info")
	buf.Reset()

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "["+strings.ToUpper(logrus.WarnLevel.String())+"]")
	assert.Contains(t, buf.String(), "shown 2")
}

func TestWarnCtxf(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	ctx := meta.Begin(context.Background())
	meta.WithValue(ctx, meta.UserID, "u1")
	meta.WithValue(ctx, meta.RequestID, "r1")
	WarnCtxf(ctx, "limited")
	assert.Contains(t, buf.String(), "[request_id=r1 user_id=u1] limited")

	buf.Reset()
	WarnCtxf(context.Background(), "plain")
	assert.Contains(t, buf.String(), "-   plain")
}
