package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"harvester/internal/config"
	"harvester/internal/core/extraction"
	"harvester/internal/logger"
	"harvester/internal/scraper/session"
	"harvester/internal/storage"
)

func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		jobID    = flag.String("job", "", "job id (defaults to a random uuid, or the id in -config)")
		jobFile  = flag.String("config", "", "YAML job file with jobId and config overrides")
		profile  = flag.String("profile", "", "site profile YAML (overrides SCRAPER_PROFILE)")
		driver   = flag.String("driver", "", "scraper driver: browser or static (overrides SCRAPER_DRIVER)")
		maxItems = flag.Int("max-items", -1, "stop after this many work items")
		export   = flag.String("export", "", "write results to this .json or .xlsx path when the job ends")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	if *profile != "" {
		cfg.ScraperProfile = *profile
	}
	if *driver != "" {
		cfg.ScraperDriver = *driver
	}

	jobCfg := cfg.Extraction
	id := *jobID
	if *jobFile != "" {
		fileID, fileCfg, err := extraction.LoadJobFile(*jobFile, jobCfg)
		if err != nil {
			printError("Error: %v\n", err)
			os.Exit(1)
		}
		jobCfg = fileCfg
		if id == "" {
			id = fileID
		}
	}
	if *maxItems >= 0 {
		jobCfg.MaxItems = *maxItems
	}
	if id == "" {
		id = uuid.NewString()
	}

	log := logger.New("harvest-cli")
	ctx := context.Background()

	sink, err := storage.Open(ctx, cfg)
	if err != nil {
		printError("Error: open storage: %v\n", err)
		os.Exit(1)
	}
	if sink != nil {
		defer sink.Close()
	}

	sessions, err := session.Factory(cfg, logger.New("Scraper"))
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}

	ctrl := extraction.NewController(extraction.Deps{
		Sessions: sessions,
		Sink:     sink,
		Log:      logger.New("Extraction"),
	})
	ctrl.Subscribe(extraction.AllEvents, func(e extraction.Event) {
		switch p := e.Payload.(type) {
		case extraction.StartedPayload:
			fmt.Printf("started %s: %d items\n", e.JobID, p.EstimatedTotal)
		case extraction.ProgressPayload:
			fmt.Printf("[%3d%%] %d/%d %s\n", p.Percentage, p.Current, p.Total, p.CurrentItem.ID)
		case extraction.BatchStartedPayload:
			fmt.Printf("batch %d/%d (%d items)\n", p.BatchIndex+1, p.TotalBatches, p.BatchSize)
		case extraction.PausedPayload:
			fmt.Printf("paused at %d/%d %s\n", p.Current, p.Total, p.Reason)
		case extraction.ErrorPayload:
			fmt.Printf("error %s: %s\n", p.Code, p.Message)
		case extraction.CompletedPayload:
			fmt.Printf("%s: %d/%d items in %v\n", p.Reason, p.Items, p.Total, time.Duration(p.CompletionTimeMs)*time.Millisecond)
		}
	})

	if err := ctrl.Start(id, jobCfg); err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.LogWarn("interrupted, stopping after the current items")
		_ = ctrl.Stop()
	}()

	<-ctrl.Done()

	snap := ctrl.GetState()
	if *export != "" {
		if err := ctrl.ExportResults(*export); err != nil {
			printError("Error: export: %v\n", err)
			os.Exit(1)
		}
		log.LogSuccessf("exported %s to %s", snap.ID, *export)
	}
	if snap.State == extraction.StateFailed {
		os.Exit(1)
	}
}
