// Command extask-worker subscribes to the configured topics of a Camunda 7
// engine and handles them with a generic handler driven by the "outcome"
// process variable.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/extask/internal/config"
	"github.com/petrijr/extask/internal/logging"
	"github.com/petrijr/extask/pkg/api"
	"github.com/petrijr/extask/pkg/mqttobserver"
	"github.com/petrijr/extask/pkg/pool"
	"github.com/petrijr/extask/pkg/rest"
)

const defaultEnvPath = "./conf.d/worker.env"

var (
	isDebugArg = flag.Bool("debug", false, "Enable debug logging")
	envPathArg = flag.String("env", defaultEnvPath, "Path to the environment configuration file")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	settings, err := config.Load(*envPathArg)
	if err != nil {
		// No logger yet.
		os.Stderr.WriteString(err.Error() + "\n")
		return 2
	}

	logger, err := logging.New(logging.Options{Debug: *isDebugArg, Dir: settings.LogDir})
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return 2
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observers := []api.Observer{api.NewLoggingObserver(logger)}
	if settings.MQTTBroker != "" {
		obs, closeMQTT, err := connectMQTT(settings, logger)
		if err != nil {
			logger.Error("failed to connect MQTT observer", zap.String("broker", settings.MQTTBroker), zap.Error(err))
			return 1
		}
		defer closeMQTT()
		observers = append(observers, obs)
	}

	restOpts := []rest.Option{rest.WithLogger(logger)}
	if settings.Username != "" {
		restOpts = append(restOpts, rest.WithBasicAuth(settings.Username, settings.Password))
	}
	client, err := rest.New(settings.EngineURL, restOpts...)
	if err != nil {
		logger.Error("invalid engine URL", zap.String("url", settings.EngineURL), zap.Error(err))
		return 2
	}

	handler := genericHandler(logger, settings.Task.RetryTimeout)
	subs := make([]api.Subscription, 0, len(settings.Topics))
	for _, topic := range settings.Topics {
		subs = append(subs, api.Subscription{Topic: topic, Handler: handler})
	}

	poolOpts := []pool.Option{
		pool.WithLogger(logger),
		pool.WithObserver(api.NewCompositeObserver(observers...)),
	}
	if settings.WorkerIDPrefix != "" {
		poolOpts = append(poolOpts, pool.WithWorkerIDPrefix(settings.WorkerIDPrefix))
	}
	p, err := pool.New(client, settings.Task, subs, poolOpts...)
	if err != nil {
		logger.Error("invalid worker configuration", zap.Error(err))
		return 2
	}

	logger.Info("extask worker starting",
		zap.String("engine_url", settings.EngineURL),
		zap.Strings("topics", settings.Topics),
		zap.Strings("worker_ids", p.WorkerIDs()),
		zap.Bool("debug", *isDebugArg),
	)

	if err := p.Run(ctx); err != nil {
		if errors.Is(err, api.ErrTransportMisconfigured) {
			logger.Error("engine transport misconfigured", zap.Error(err))
		} else {
			logger.Error("worker pool failed", zap.Error(err))
		}
		return 1
	}
	logger.Info("extask worker stopped")
	return 0
}

// connectMQTT connects the MQTT observer. The returned func flushes the
// observer and disconnects the client.
func connectMQTT(settings config.Settings, logger *zap.Logger) (api.Observer, func(), error) {
	clientID := "extask-worker"
	if settings.WorkerIDPrefix != "" {
		clientID = settings.WorkerIDPrefix
	}
	client, err := mqttobserver.Connect(settings.MQTTBroker, clientID)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to MQTT broker", zap.String("broker", settings.MQTTBroker))

	obs := mqttobserver.New(client,
		mqttobserver.WithTopicPrefix(settings.MQTTTopicPrefix),
		mqttobserver.WithLogger(logger),
	)
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Close(ctx); err != nil {
			logger.Warn("MQTT observer did not flush", zap.Int64("dropped", obs.Dropped()), zap.Error(err))
		}
		client.Disconnect(250)
	}
	return obs, closeFn, nil
}
