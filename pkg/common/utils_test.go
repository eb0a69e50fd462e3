package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCutUUIDString(t *testing.T) {
	id := NewCutUUIDString()
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, NewCutUUIDString())
}

func TestMustGetJSONString(t *testing.T) {
	assert.Equal(t, "{}", MustGetJSONString(nil))
	assert.Equal(t, `{"a":1}`, MustGetJSONString(map[string]int{"a": 1}))
	assert.Equal(t, "{}", MustGetJSONString(make(chan int)))
}

func TestTrimIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", TrimIP("10.0.0.1:5432"))
	assert.Equal(t, "10.0.0.1", TrimIP("10.0.0.1"))
}
