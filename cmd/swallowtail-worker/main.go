package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"swallowtail/internal/taskworker/handlers"
	"swallowtail/internal/taskworker/runner"
)

func main() {
	log.Println("Swallowtail task worker starting...")

	registry := handlers.NewRegistry(handlers.Builtin())
	worker := runner.NewWorker(registry)
	defer worker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		log.Printf("Worker: shutdown signal received (%s). Cancelling context...", sig)
		cancel()
	}()

	log.Println("Worker listening for messages...")
	if err := worker.Run(ctx); err != nil {
		log.Printf("Worker: exited with error: %v", err)
	}
	log.Println("Swallowtail task worker has been shut down.")
}
