package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"gorm.io/gorm"

	"github.com/Luismorlan/communitymux/app_setting"
	"github.com/Luismorlan/communitymux/collector"
	"github.com/Luismorlan/communitymux/collector/clients"
	"github.com/Luismorlan/communitymux/core"
	"github.com/Luismorlan/communitymux/discovery"
	"github.com/Luismorlan/communitymux/llm"
	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/notifier"
	"github.com/Luismorlan/communitymux/panoptic"
	"github.com/Luismorlan/communitymux/panoptic/modules"
	"github.com/Luismorlan/communitymux/publisher"
	"github.com/Luismorlan/communitymux/server"
	"github.com/Luismorlan/communitymux/tracking"
	"github.com/Luismorlan/communitymux/utils"
	"github.com/Luismorlan/communitymux/utils/dotenv"
	. "github.com/Luismorlan/communitymux/utils/flag"
	. "github.com/Luismorlan/communitymux/utils/log"
)

// Configuration to customize binary startup.
var AppSetting app_setting.CommunityMuxAppSetting

func cleanup() {
	if dotenv.IsProdEnv() {
		utils.CloseProfiler()
		utils.CloseTracer()
	}
	Log.Info("communitymux shutdown")
}

func NewDogStatsdClient() *statsd.Client {
	addr := os.Getenv("DD_AGENT_HOST")
	if addr == "" {
		addr = "127.0.0.1"
	}
	client, err := statsd.New(addr + ":8125")
	if err != nil {
		Log.Fatalln("fail to create statsd client:", err)
	}
	return client
}

func newLeaseStore(ctx context.Context) utils.LeaseStore {
	if os.Getenv("REDIS_HOST") == "" {
		return utils.NewMemoryLeaseStore()
	}
	store, err := utils.GetRedisLeaseStore(ctx)
	if err != nil {
		Log.Fatalln("fail to connect to redis:", err)
	}
	return store
}

// buildModules wires the background engine: query orchestrator, scrape
// scheduler, notifier and reporter.
func buildModules(ctx context.Context, db *gorm.DB, registry *tracking.Registry, eventbus *gochannel.GoChannel) []panoptic.Module {
	reasoner, err := llm.NewAnthropicReasoner(llm.AnthropicConfig{
		Model:     AppSetting.LLM_MODEL,
		MaxTopics: AppSetting.MAX_TOPICS_PER_QUERY,
	})
	if err != nil {
		Log.Fatalln("fail to create reasoner:", err)
	}

	reddit := clients.NewRedditClient(AppSetting.CONTENT_SOURCE_BASE_URL, nil)
	serp := clients.NewSerpClient(AppSetting.SEARCH_PROXY_URL, os.Getenv("SERP_API_KEY"), os.Getenv("SERP_ZONE"), nil)

	classifier := discovery.NewClassifier(reasoner, reddit, discovery.ClassifierConfig{
		AcceptThreshold: AppSetting.ACCEPT_THRESHOLD,
		RejectThreshold: AppSetting.REJECT_THRESHOLD,
		MaxRefinements:  AppSetting.MAX_REFINEMENTS,
	})
	pipeline := discovery.NewPipeline(
		db,
		discovery.NewTopicExtractor(reasoner, AppSetting.MAX_TOPICS_PER_QUERY),
		discovery.NewEngine(serp, AppSetting.MAX_CANDIDATES_PER_TERM, time.Duration(AppSetting.DISCOVERY_RETRY_DELAY_MS)*time.Millisecond),
		classifier,
		reddit,
		registry,
		discovery.PipelineConfig{
			Cadence:     AppSetting.DefaultCadence(),
			Concurrency: AppSetting.CLASSIFIER_CONCURRENCY,
		},
	)

	breakers := collector.NewBreakerSet(
		collector.WithBreakerThreshold(AppSetting.BREAKER_FAILURE_THRESHOLD),
		collector.WithBreakerCooldown(
			time.Duration(AppSetting.BREAKER_COOLDOWN_SECOND)*time.Second,
			time.Duration(AppSetting.BREAKER_MAX_COOLDOWN_SECOND)*time.Second,
		),
	)
	fetcher := collector.NewFetcher(db, reddit, publisher.NewIngester(db), registry, breakers, eventbus, collector.FetcherConfig{
		Timeout:    time.Duration(AppSetting.FETCH_TIMEOUT_SECOND) * time.Second,
		RetryDelay: time.Duration(AppSetting.FETCH_RETRY_DELAY_MS) * time.Millisecond,
	})

	dispatcher := notifier.NewDispatcher(db, map[model.SubscriberKind]notifier.Sink{
		model.SubscriberKindWebhook: notifier.NewWebhookSink(nil),
		model.SubscriberKindSlack:   notifier.SlackSink{},
	}, notifier.DispatcherConfig{
		MaxRetries:      AppSetting.WEBHOOK_MAX_RETRIES,
		InitialBackoff:  time.Duration(AppSetting.WEBHOOK_INITIAL_BACKOFF_MS) * time.Millisecond,
		DeliveryTimeout: time.Duration(AppSetting.WEBHOOK_TIMEOUT_SECOND) * time.Second,
		Concurrency:     AppSetting.WEBHOOK_CONCURRENCY,
	})

	return []panoptic.Module{
		// Orchestrator runs the discovery pipeline of submitted queries.
		modules.NewOrchestrator(
			modules.OrchestratorConfig{Name: "orchestrator", Workers: AppSetting.QUERY_WORKER_POOL_SIZE},
			pipeline,
			eventbus,
		),
		// Scheduler admits due communities to the scrape workers within the
		// content source quota.
		modules.NewScheduler(
			modules.SchedulerConfig{
				Name:     "scheduler",
				Tick:     AppSetting.SchedulerTick(),
				Workers:  AppSetting.WORKER_POOL_SIZE,
				LeaseTTL: 2*time.Duration(AppSetting.FETCH_TIMEOUT_SECOND)*time.Second + time.Minute,
			},
			registry,
			fetcher.Breakers(),
			modules.NewQuota(AppSetting.QUOTA_CAPACITY, AppSetting.QUOTA_REFILL_PER_SECOND),
			newLeaseStore(ctx),
			modules.NewScrapeJobDoer(fetcher),
		),
		// Notification delivers new content to registered webhooks.
		modules.NewNotification(modules.NotificationConfig{Name: "notification"}, dispatcher, eventbus),
		// Reporter reports the scrape metrics to datadog for monitoring purpose.
		modules.NewReporter(modules.ReporterConfig{Name: "reporter"}, NewDogStatsdClient(), eventbus),
	}
}

func main() {
	flag.Parse()
	defer cleanup()

	if err := dotenv.LoadDotEnvs(); err != nil {
		panic(err)
	}
	InitLogger()

	var err error
	AppSetting, err = app_setting.ParseCommunityMuxAppSetting(*AppSettingPath)
	if err != nil {
		Log.Fatalln("fail to parse app setting:", err)
	}

	if dotenv.IsProdEnv() {
		utils.StartTracer()
		utils.StartProfiler()
	}

	db, err := utils.GetDBConnection()
	if err != nil {
		Log.Fatalln("fail to connect to database:", err)
	}
	if err := utils.DatabaseSetupAndMigration(db); err != nil {
		Log.Fatalln("fail to migrate database:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := tracking.NewRegistry(db)
	if err := registry.Load(ctx); err != nil {
		Log.Fatalln("fail to load tracking subscriptions:", err)
	}

	eventbus := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            100,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewStdLogger(false, false),
	)

	routerOpts := server.RouterOptions{APIToken: os.Getenv("API_TOKEN")}
	if dotenv.IsProdEnv() {
		routerOpts.TraceServiceName = *ServiceName
	}
	httpServer := &http.Server{
		Addr:    *ListenAddr,
		Handler: server.NewRouter(core.NewService(db, eventbus, registry), routerOpts),
	}
	go func() {
		Log.Info("api server starts up on ", *ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			Log.Fatalln("api server stopped:", err)
		}
	}()

	var engine *panoptic.Engine
	if *ServiceName == CommunityMux {
		engine = panoptic.NewEngine(buildModules(ctx, db, registry, eventbus), ctx, cancel, eventbus)
		go engine.Run()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		Log.Errorln("fail to shut down api server:", err)
	}
	if engine != nil {
		engine.Shutdown()
	} else {
		cancel()
	}
}
