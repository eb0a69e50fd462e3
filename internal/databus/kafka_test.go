package databus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moff.io/wallet-gateway/internal/gateway"
	"moff.io/wallet-gateway/pkg/errors"
)

func TestGatewayEvent_Serialize(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	e := NewGatewayEvent("events", gateway.Connected{UserID: "u1", Topic: "t1", Address: "0xabc", ChainID: 1}, at)
	assert.Equal(t, "events", e.Topic())
	assert.Equal(t, "u1", e.Key())

	var out struct {
		Kind string                 `json:"kind"`
		User string                 `json:"userId"`
		Time int64                  `json:"time"`
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(e.Serialize(), &out))
	assert.Equal(t, "connected", out.Kind)
	assert.Equal(t, "u1", out.User)
	assert.Equal(t, int64(1700000000000), out.Time)
	assert.Equal(t, "t1", out.Data["topic"])
}

func TestDataBus_PublishesQueuedEvents(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var out map[string]interface{}
		if err := json.Unmarshal(val, &out); err != nil {
			return err
		}
		if out["kind"] != "transaction_sent" {
			return errors.Errorf("unexpected kind %v", out["kind"])
		}
		return nil
	})
	p.ExpectSendMessageAndSucceed()

	db := NewWithProducer(p, "events")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db.Start(ctx)
	db.Handle(gateway.TransactionSent{UserID: "u1", Hash: "0x1"})
	db.Handle(gateway.Disconnected{UserID: "u1", Reason: "bye"})
	db.Stop()
}

func TestDataBus_StopFlushesWithoutStart(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndSucceed()
	db := NewWithProducer(p, "events")
	db.Handle(gateway.MessageSigned{UserID: "u1", Signature: "0x1"})
	db.Stop()
	db.Stop()
}

func TestDataBus_PublishError(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	db := NewWithProducer(p, "events")
	err := db.Publish(NewGatewayEvent("events", gateway.Error{UserID: "u1", Op: "x", Err: "y"}, time.Now()))
	assert.Error(t, err)
	assert.NoError(t, db.PublishRaw("events", "", nil))
	require.NoError(t, p.Close())
}
