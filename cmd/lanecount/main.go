package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/lanecount/internal/acquire"
	"github.com/banshee-data/lanecount/internal/api"
	"github.com/banshee-data/lanecount/internal/broadcast"
	"github.com/banshee-data/lanecount/internal/config"
	"github.com/banshee-data/lanecount/internal/db"
	"github.com/banshee-data/lanecount/internal/lane"
	"github.com/banshee-data/lanecount/internal/publish"
	"github.com/banshee-data/lanecount/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	configFile  = flag.String("config", "", "Counter configuration JSON (defaults built in)")
	dbPath      = flag.String("db-path", db.DefaultPath, "SQLite event store path, empty to disable history")
	sourceKind  = flag.String("source", sourceI2C, "Sensor source: i2c, serial, sim or fixture")
	port        = flag.String("port", "/dev/ttyACM0", "Bridge serial port for -source=serial")
	i2cBus      = flag.String("i2c-bus", "", "I2C bus name for -source=i2c, empty for the first bus")
	fixtures    = flag.String("fixtures", "fixtures.txt", "Recorded bridge lines for -source=fixture")
	mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker host:port, empty to disable publishing")
	mqttPrefix  = flag.String("mqtt-prefix", "lanecount", "MQTT topic prefix")
	mqttClient  = flag.String("mqtt-client-id", "lanecount", "MQTT client identifier")
	devMode     = flag.Bool("dev", false, "Serve the dashboard and migrations from disk")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Current())
		return
	}

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "migrate":
			db.DevMode = *devMode
			if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
				if !errors.Is(err, db.ErrUsage) {
					log.Printf("migrate: %v", err)
				}
				os.Exit(1)
			}
			return
		default:
			log.Fatalf("unknown command %q", flag.Arg(0))
		}
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.DefaultCounterConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadCounterConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	log.Printf("starting %s", version.Current())

	src, bridge, err := openSource(sourceFlags{
		kind:     *sourceKind,
		port:     *port,
		i2cBus:   *i2cBus,
		fixtures: *fixtures,
	}, cfg)
	if err != nil {
		log.Fatalf("failed to open sensor source: %v", err)
	}
	defer bridge.Close()
	defer src.Close()

	if err := bridge.Initialize(cfg.GetPollInterval()); err != nil {
		log.Fatalf("failed to initialize bridge: %v", err)
	}

	var (
		recorder acquire.Recorder
		history  api.History
		database *db.DB
	)
	if *dbPath != "" {
		db.DevMode = *devMode
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		recorder, history = database, database
	}

	reg := lane.NewRegistry(cfg.GetNumLanes())
	hub := broadcast.NewHub(reg.Snapshot, cfg.GetBroadcastMinInterval())
	loop := acquire.New(reg, src, recorder, hub, acquire.OptionsFromConfig(cfg))
	if loop.Lanes() < reg.Len() {
		log.Printf("source serves %d of %d configured lanes", loop.Lanes(), reg.Len())
	}

	var pub *publish.Publisher
	if *mqttBroker != "" {
		pub = publish.New(hub, loop, publish.Options{
			Broker:   *mqttBroker,
			Prefix:   *mqttPrefix,
			ClientID: *mqttClient,
		})
		loop.OnCount(pub.OnCount)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the bridge port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bridge.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("acquisition loop failed: %v", err)
			stop()
		}
		log.Print("acquisition routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("broadcast hub failed: %v", err)
		}
		log.Print("broadcast routine terminated")
	}()

	if pub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Run(ctx); err != nil {
				log.Printf("mqtt publisher failed: %v", err)
			}
			log.Print("mqtt routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(loop, hub, history, cfg.Effective())
		apiServer.DevMode = *devMode
		mux := apiServer.ServeMux()

		apiServer.AttachAdminRoutes(mux)
		bridge.AttachAdminRoutes(mux)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:              *listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Stream handlers return once the hub closes their channels.
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
