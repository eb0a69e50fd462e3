package starter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"moff.io/wallet-gateway/internal/config"
)

type component struct {
	name    string
	trace   *[]string
	applied *config.Configuration
}

func (c *component) Apply(conf *config.Configuration) {
	c.applied = conf
}

func (c *component) Start(context.Context) {
	*c.trace = append(*c.trace, "start "+c.name)
}

func (c *component) Stop() {
	*c.trace = append(*c.trace, "stop "+c.name)
}

func TestStartAndStopOrder(t *testing.T) {
	prev := config.Global
	defer func() { config.Global = prev }()
	config.Global = &config.Configuration{LogLevel: "debug"}

	var trace []string
	a := &component{name: "a", trace: &trace}
	b := &component{name: "b", trace: &trace}
	Start(context.Background(), a, b)
	Stop(a, b)

	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, trace)
	assert.Same(t, config.Global, a.applied)
	assert.Same(t, config.Global, b.applied)
}

func TestStart_WithoutGlobalConfig(t *testing.T) {
	prev := config.Global
	defer func() { config.Global = prev }()
	config.Global = nil

	var trace []string
	a := &component{name: "a", trace: &trace}
	Start(context.Background(), a)
	assert.Nil(t, a.applied)
	assert.Equal(t, []string{"start a"}, trace)
}
