package common

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"moff.io/wallet-gateway/pkg/log"
)

//NewCutUUIDString returns uuid string that cut `-`.
func NewCutUUIDString() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func MustGetJSONString(m interface{}) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		log.Error(err)
		return "{}"
	}
	return string(data)
}

// TrimIP drops the port of a host:port pair.
func TrimIP(ip string) string {
	last := strings.LastIndex(ip, ":")
	if last != -1 {
		ip = ip[0:last]
	}
	return ip
}
