package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	cli "github.com/jawher/mow.cli"

	"redminetojira/api"
	"redminetojira/config"
	"redminetojira/models"
	"redminetojira/services"
	"redminetojira/utils"
)

func main() {
	app := cli.App("export", `Redmine export tool

Writes every matching Redmine issue with its journals to
OUTPUT_DIR/<project>_<status>_issues.json, one JSON object per line, and
stages its attachments under ATTACHMENTS_DIR/<issue id>/. The file can be
fed to the import tool later.`)

	var (
		project    = app.StringOpt("p project", "", "Redmine project identifier (all projects when empty)")
		status     = app.StringOpt("s status", "", "status filter: name, id, open, closed or *")
		priority   = app.StringOpt("priority", "", "priority filter: name or id")
		onExisting = app.StringOpt("on-existing", "", "answer when output exists: reset, resume or abort")
		concurrent = app.IntOpt("c concurrent", 0, "issues processed in parallel (0 uses MAX_CONCURRENT)")
		debug      = app.BoolOpt("debug", false, "log every HTTP call")
	)

	app.Action = func() {
		if err := run(*project, *status, *priority, *onExisting, *concurrent, *debug); err != nil {
			utils.LogError("Export failed: %v", err)
			cli.Exit(1)
		}
	}
	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		cli.Exit(1)
	}
}

func run(project, status, priority, onExisting string, concurrent int, debug bool) error {
	startTime := time.Now()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if concurrent > 0 {
		cfg.MaxConcurrent = concurrent
	}
	if err := cfg.Validate(config.ModeExport); err != nil {
		return err
	}

	logFile := utils.SetLogFile(cfg.LogFile)
	defer logFile.Close()
	utils.SetDebug(cfg.Debug || debug)

	statusID, _, err := config.ResolveStatusFilter(status)
	if err != nil {
		return err
	}
	priorityID, err := config.ResolvePriorityFilter(priority)
	if err != nil {
		return err
	}
	filter := models.IssueFilter{ProjectID: project, StatusID: statusID, PriorityID: priorityID}

	paths := services.ExportPaths(cfg.OutputDir, project, statusID, priorityID)
	session, err := services.OpenSession(paths, func() (services.Choice, error) {
		return services.ChooseStart(os.Stdin, os.Stdout, utils.IsInteractive(), onExisting, paths.Output)
	})
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	defer session.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pause := services.NewPauseToken()
	services.NotifyInterrupts(ctx, pause, cancel, os.Stdin, os.Stdout)

	redmine := api.NewRedmineClient(cfg, api.NewRateLimiter(cfg.RateLimitDelay))
	if err := redmine.CheckAuth(ctx); err != nil {
		return fmt.Errorf("redmine authentication: %w", err)
	}

	store, err := services.OpenOutputStore(paths.Output)
	if err != nil {
		return err
	}
	defer store.Close()

	retry := services.NewRetryPolicy(cfg)
	fetcher := services.NewFetcher(redmine, filter, cfg.PageSize, retry)
	transfer := services.NewAttachmentTransfer(cfg, redmine, nil, retry)
	export := services.NewMigrationService(cfg, fetcher, nil, transfer, store, paths, session.RunID,
		services.WithPauseToken(pause))

	summary, err := export.Run(ctx, session.Decision.Index)
	if err != nil {
		return err
	}

	utils.LogInfo("Export to %s finished in %s: %s", paths.Output, time.Since(startTime), summary)
	return nil
}
