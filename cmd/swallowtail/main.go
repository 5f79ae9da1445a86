package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"swallowtail/internal/taskqueue/api"
	taskDB "swallowtail/internal/taskqueue/db"
	"swallowtail/internal/taskqueue/dispatch"
	"swallowtail/internal/taskqueue/events"
	"swallowtail/internal/taskqueue/kinds"
	"swallowtail/internal/taskqueue/services"
	"swallowtail/internal/taskqueue/store"
	"swallowtail/internal/taskworker/handlers"
	gormDB "swallowtail/pkg/db"
)

func main() {
	stdlog.Println("Swallowtail task manager starting...")

	appCtx, appCancel := context.WithCancel(context.Background())

	db, err := gormDB.NewGormDB()
	if err != nil {
		stdlog.Fatalf("Failed to initialize database: %v", err)
	}
	stdlog.Println("Database initialized successfully.")

	stdlog.Println("Running database migrations...")
	if err := gormDB.AutoMigrate(db, &taskDB.Task{}, &taskDB.ScheduleEntry{}); err != nil {
		stdlog.Fatalf("Failed to migrate database: %v", err)
	}
	stdlog.Println("Database migration successful.")

	kindRegistry, err := kinds.NewRegistry(kinds.BuiltinSpecs()...)
	if err != nil {
		stdlog.Fatalf("Failed to build kind registry: %v", err)
	}

	// DISPATCH_MODE=local runs tasks on an in-process pool; the default
	// publishes to Kafka for the worker fleet.
	dispatchMode := os.Getenv("DISPATCH_MODE")

	var notifier events.Notifier = events.NopNotifier{}
	var kafkaNotifier *events.KafkaNotifier
	if dispatchMode != "local" {
		kafkaNotifier = events.NewKafkaNotifier()
		notifier = kafkaNotifier
	}

	taskStore := store.NewTaskStore(db, notifier)

	var dispatcher dispatch.Dispatcher
	var kafkaDispatcher *dispatch.KafkaDispatcher
	var localDispatcher *dispatch.LocalDispatcher
	var resultService *services.ResultService
	if dispatchMode == "local" {
		stdlog.Println("Dispatch mode: local in-process pool.")
		localDispatcher = dispatch.NewLocalDispatcher(taskStore, handlers.NewRegistry(handlers.Builtin()), 4)
		dispatcher = localDispatcher
	} else {
		stdlog.Println("Dispatch mode: Kafka.")
		kafkaDispatcher = dispatch.NewKafkaDispatcher(kindRegistry)
		dispatcher = kafkaDispatcher
		resultService = services.NewResultService(taskStore)
		resultService.StartConsuming(appCtx)
	}

	schedulerService, err := services.NewSchedulerService(appCtx, db, taskStore, dispatcher)
	if err != nil {
		stdlog.Fatalf("Failed to create scheduler service: %v", err)
	}
	if err := schedulerService.Start(); err != nil {
		stdlog.Fatalf("Failed to start scheduler service: %v", err)
	}

	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = ":8080"
	}

	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	h := server.Default(server.WithHostPorts(serverAddr), server.WithExitWaitTime(5*time.Second))

	taskHandler := api.NewTaskHandler(db, taskStore, kindRegistry)
	scheduleHandler := api.NewScheduleHandler(db, kindRegistry)

	taskGroup := h.Group("/tasks")
	{
		taskGroup.POST("", taskHandler.CreateTask)
		taskGroup.GET("", taskHandler.GetTasks)
		taskGroup.GET("/:id", taskHandler.GetTaskByID)
		taskGroup.POST("/:id/cancel", taskHandler.CancelTask)
	}
	scheduleGroup := h.Group("/schedules")
	{
		scheduleGroup.POST("", scheduleHandler.CreateSchedule)
		scheduleGroup.GET("", scheduleHandler.GetSchedules)
		scheduleGroup.GET("/:id", scheduleHandler.GetScheduleByID)
		scheduleGroup.DELETE("/:id", scheduleHandler.DeleteSchedule)
	}
	adminGroup := h.Group("/admin")
	adminGroup.POST("/scheduler/tick", api.TriggerTick(schedulerService))
	adminGroup.POST("/scheduler/refresh", func(c context.Context, ctxReq *app.RequestContext) {
		schedulerService.RefreshScheduledJobs()
		ctxReq.JSON(http.StatusOK, utils.H{"message": "Scheduler refresh triggered"})
	})

	h.GET("/ping", func(c context.Context, ctxReq *app.RequestContext) {
		ctxReq.JSON(http.StatusOK, utils.H{"message": "pong"})
	})

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

		appCancel()

		shutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpShutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		} else {
			hlog.Info("Hertz server gracefully stopped.")
		}

		schedulerService.Stop()

		if resultService != nil {
			resultService.Close()
			hlog.Info("Result service consumer closed.")
		}
		if localDispatcher != nil {
			localDispatcher.Shutdown()
			hlog.Info("Local dispatcher stopped.")
		}
		if kafkaDispatcher != nil {
			if err := kafkaDispatcher.Close(); err != nil {
				hlog.Errorf("Kafka dispatcher close error: %v", err)
			} else {
				hlog.Info("Kafka dispatcher closed.")
			}
		}
		if kafkaNotifier != nil {
			if err := kafkaNotifier.Close(); err != nil {
				hlog.Errorf("Kafka notifier close error: %v", err)
			} else {
				hlog.Info("Kafka notifier closed.")
			}
		}
		hlog.Info("Swallowtail task manager gracefully shut down.")
	}()

	hlog.Infof("Swallowtail task manager fully initialized, starting Hertz server on %s...", serverAddr)
	h.Spin()

	stdlog.Println("Swallowtail task manager has been shut down.")
}
