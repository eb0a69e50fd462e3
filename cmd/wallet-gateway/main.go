package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"

	"moff.io/wallet-gateway/internal/aws"
	"moff.io/wallet-gateway/internal/cache"
	"moff.io/wallet-gateway/internal/config"
	"moff.io/wallet-gateway/internal/database"
	"moff.io/wallet-gateway/internal/databus"
	"moff.io/wallet-gateway/internal/gateway"
	"moff.io/wallet-gateway/internal/http"
	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/internal/starter"
	"moff.io/wallet-gateway/internal/walletconnect"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Infof("Starting wallet gateway")
	startApp()
}

func startApp() {
	defer func() {
		if i := recover(); i != nil {
			log.Fatal(errors.ErrorfAndReport("%v", i))
		}
	}()
	config.Read()
	log.SetLevelName(config.Global.LogLevel)
	setupReporters(config.Global)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var qr gateway.QRPublisher
	awsClients, err := aws.New(ctx, config.Global.Aws.QRBucket, config.Global.Aws.Region)
	if err != nil {
		log.Warnf("aws disabled: %v", err)
	} else {
		if config.Global.Aws.QRBucket != "" {
			qr = awsClients
		}
		if param := config.Global.WalletConnect.ProjectIDSSMParameter; param != "" && config.Global.WalletConnect.ProjectID == "" {
			projectID, err := awsClients.GetParameter(ctx, param)
			if err != nil {
				log.Fatal(err)
			}
			config.Global.WalletConnect.ProjectID = projectID
		}
	}

	store, rdb, err := openStore(ctx, &config.Global.Store)
	if err != nil {
		log.Fatal(err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	g, err := gateway.New(gateway.NewConfig(config.Global), gateway.Deps{
		Dialer:      walletconnect.NewBridgeDialer(),
		Store:       store,
		QRPublisher: qr,
	})
	if err != nil {
		log.Fatal(err)
	}
	restored, err := g.Init(ctx)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("restored %d wallet sessions", restored)

	var limiter *redis_rate.Limiter
	if rdb != nil {
		limiter = cache.NewRateLimiter(rdb)
	}
	server := http.NewServer(g, limiter)
	sweeper := gateway.NewSweeper(g, config.Global.Session.SweepInterval)

	var bus *databus.DataBus
	if config.Global.Kafka.Servers != "" {
		bus, err = databus.New(config.Global.Kafka.Servers, config.Global.Kafka.Topic)
		if err != nil {
			log.Fatal(err)
		}
		unsubscribe := g.On(bus.Handle)
		starter.Start(ctx, bus)
		defer func() {
			// 网关销毁产生的事件发送完毕后再关闭kafka
			unsubscribe()
			bus.Stop()
		}()
	}
	starter.Start(ctx, sweeper, server)

	<-ctx.Done()
	log.Info("Shutting down wallet gateway")
	starter.Stop(sweeper, server)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.Destroy(shutdownCtx); err != nil {
		log.Errorf("destroy gateway: %v", err)
	}
}

func setupReporters(c *config.Configuration) {
	err := errors.SetupReporters(errors.ReporterOptions{
		SentryDSN:       c.SentryDSN,
		LarkWebhook:     c.LarkAlarmWebhook,
		DingTalkWebhook: c.DingTalk.Webhook,
		DingTalkSecret:  c.DingTalk.Secret,
		Silent:          time.Minute,
	})
	if err != nil {
		log.Error(err)
	}
}

// openStore returns the redis client as well when the store or the rate
// limiter can use it.
func openStore(ctx context.Context, c *config.Store) (session.Store, *redis.Client, error) {
	switch c.Driver {
	case config.StoreDriverMemory:
		return session.NewMemoryStore(), nil, nil
	case config.StoreDriverSQLite:
		store, err := database.OpenSQLite(c.SQLitePath)
		return store, dialRedis(ctx, c), err
	case config.StoreDriverPostgres:
		store, err := database.OpenPostgres(&c.Postgres)
		return store, dialRedis(ctx, c), err
	case config.StoreDriverRedis:
		rdb, err := cache.Connect(ctx, &c.Redis)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewSessionStore(rdb, c.KeyPrefix), rdb, nil
	default:
		return nil, nil, errors.Errorf("unknown session store driver %q", c.Driver)
	}
}

// dialRedis is best effort: without redis the connect endpoint is unlimited.
func dialRedis(ctx context.Context, c *config.Store) *redis.Client {
	if c.Redis.Address == "" {
		return nil
	}
	rdb, err := cache.Connect(ctx, &c.Redis)
	if err != nil {
		log.Warnf("redis unavailable, connect rate limit disabled: %v", err)
		return nil
	}
	return rdb
}
