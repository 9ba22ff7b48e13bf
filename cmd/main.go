package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/config"
	"github.com/Capitan-Parrot/parking-violation-system/internal/database"
	"github.com/Capitan-Parrot/parking-violation-system/internal/emitter"
	"github.com/Capitan-Parrot/parking-violation-system/internal/engine"
	"github.com/Capitan-Parrot/parking-violation-system/internal/framesource"
	"github.com/Capitan-Parrot/parking-violation-system/internal/framesource/opencv"
	"github.com/Capitan-Parrot/parking-violation-system/internal/gateway"
	"github.com/Capitan-Parrot/parking-violation-system/internal/kafka"
	"github.com/Capitan-Parrot/parking-violation-system/internal/metrics"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/Capitan-Parrot/parking-violation-system/internal/outbox"
	"github.com/Capitan-Parrot/parking-violation-system/internal/runner"
	"github.com/Capitan-Parrot/parking-violation-system/internal/s3"
	"github.com/Capitan-Parrot/parking-violation-system/internal/services/dashboard"
	"github.com/Capitan-Parrot/parking-violation-system/internal/services/detection"
	"github.com/Capitan-Parrot/parking-violation-system/internal/sink"
	"github.com/Capitan-Parrot/parking-violation-system/internal/watchdog"
	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("parking-detector", "Detects vehicles parked in forbidden zones")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML configuration file", Default: os.Getenv("CONFIG_PATH")})
	noAutostart := parser.Flag("", "no-autostart", &argparse.Options{Help: "Wait for a run command instead of starting the configured source", Default: false})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	log, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	fatal := func(format string, args ...any) {
		log.Errorf(format, args...)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fatal("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	var db *database.Database
	if cfg.Postgres.DSN != "" {
		db, err = database.New(log, cfg.Postgres.DSN)
		if err != nil {
			fatal("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Init(ctx); err != nil {
			fatal("Failed to init database: %v", err)
		}
	}

	var minioClient *s3.Client
	if cfg.Minio.Endpoint != "" {
		minioClient, err = s3.NewMinioClient(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.SnapshotBucket)
		if err != nil {
			fatal("Failed to connect to MinIO: %v", err)
		}
		if err := minioClient.EnsureBucket(ctx); err != nil {
			log.Warnf("MinIO: %v", err)
		}
	}

	forwarders := []sink.Forwarder{dashboard.NewClient(cfg.Gateway.DashboardURL)}

	var producer *kafka.Producer
	if cfg.KafkaEnabled() {
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.HeartbeatTopic, cfg.Kafka.ViolationTopic)
		if err != nil {
			fatal("Failed to create Kafka producer: %v", err)
		}
		defer producer.Close()
		if db != nil {
			// stored violations reach Kafka through the outbox
			go outbox.NewDispatcher(log, db, producer, time.Second).Start(ctx)
		} else {
			forwarders = append(forwarders, producer)
		}
	}

	if cfg.MQTT.Broker != "" {
		mq := emitter.NewMQTT(log, cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic)
		if err := mq.Connect(); err != nil {
			// the client keeps retrying in the background
			log.Warnf("MQTT: %v", err)
		}
		defer mq.Disconnect()
		forwarders = append(forwarders, mq)
	}

	sinkOpt := sink.Options{
		Dir:            cfg.Output.Dir,
		ForwardTimeout: cfg.Gateway.ForwardTimeout,
		Forwarders:     forwarders,
		Metrics:        m,
	}
	if db != nil {
		sinkOpt.Store = db
	}
	if minioClient != nil {
		sinkOpt.Mirror = minioClient
	}
	violationSink := sink.New(log, sinkOpt)

	openSource := func(ctx context.Context, source string) (framesource.Decoder, error) {
		if minioClient != nil && s3.IsObjectURL(source) {
			dec, err := framesource.OpenObjects(ctx, minioClient, source, cfg.Source.ObjectFPS)
			if err != nil {
				return nil, err
			}
			return dec, nil
		}
		dec, err := opencv.Open(source)
		if err != nil {
			return nil, err
		}
		return dec, nil
	}

	runOpt := runner.Options{
		DefaultSource: cfg.Source.URL,
		DefaultZones:  cfg.Zones.Path,
		ReadTimeout:   cfg.Source.ReadTimeout,
		Engine: engine.Options{
			Threshold:        cfg.Violation.Threshold,
			Grace:            cfg.Violation.GracePeriod,
			MonitoredClasses: cfg.Violation.MonitoredClasses,
			DetectTimeout:    cfg.Detection.Timeout,
			Preview:          true,
			Metrics:          m,
		},
		Open: openSource,
		Detector: detection.NewClient(
			cfg.Detection.Endpoint,
			cfg.Detection.Timeout,
			cfg.Detection.Confidence,
			cfg.Detection.IOU,
			cfg.Detection.ProcessLabels,
		),
		Sink: violationSink,
	}
	if db != nil {
		runOpt.Store = db
	}
	if producer != nil {
		runOpt.Heartbeats = append(runOpt.Heartbeats, producer)
	}
	r := runner.New(log, runOpt)

	gwOpt := gateway.Options{OutputDir: cfg.Output.Dir, Metrics: m}
	if db != nil {
		gwOpt.Query = db
	}
	server := gateway.NewServer(log, r, gwOpt)
	r.AddReporter(server)

	go func() {
		if err := server.ListenAndServe(ctx, cfg.Gateway.Listen); err != nil {
			log.Errorf("Gateway: %v", err)
			cancel()
		}
	}()

	go watchdog.New(log, r, cfg.Gateway.StallAfter).Start(ctx)

	if cfg.KafkaEnabled() {
		consumer, err := kafka.NewConsumer(log, cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.CommandTopic)
		if err != nil {
			fatal("Failed to create Kafka consumer: %v", err)
		}
		defer consumer.Close()
		go consumer.StartListening(ctx)
		go r.ListenAndRun(ctx, consumer.Messages())
	}

	if cfg.Source.Autostart && !*noAutostart && cfg.Source.URL != "" {
		startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := r.Start(startCtx, models.RunCommand{Action: models.CommandStart}); err != nil {
			log.Errorf("Autostart failed: %v", err)
		}
		startCancel()
	}

	// Wait for shutdown signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
	case <-ctx.Done():
	}
	log.Infof("Shutting down")
	r.Close()
	violationSink.Close()
	cancel()
}
