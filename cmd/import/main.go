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
	"redminetojira/services"
	"redminetojira/utils"
)

func main() {
	app := cli.App("import", `Jira import tool

Creates Jira issues from a file written by the export tool. Attachments are
read from ATTACHMENTS_DIR where the export staged them. Outcomes are
written next to FILE with an _import suffix.`)
	app.Spec = "[OPTIONS] FILE"

	var (
		file       = app.StringArg("FILE", "", "export file (<project>_<status>_issues.json)")
		onExisting = app.StringOpt("on-existing", "", "answer when output exists: reset, resume or abort")
		concurrent = app.IntOpt("c concurrent", 0, "issues processed in parallel (0 uses MAX_CONCURRENT)")
		debug      = app.BoolOpt("debug", false, "log every HTTP call")
	)

	app.Action = func() {
		if err := run(*file, *onExisting, *concurrent, *debug); err != nil {
			utils.LogError("Import failed: %v", err)
			cli.Exit(1)
		}
	}
	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		cli.Exit(1)
	}
}

func run(file, onExisting string, concurrent int, debug bool) error {
	startTime := time.Now()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if concurrent > 0 {
		cfg.MaxConcurrent = concurrent
	}
	if err := cfg.Validate(config.ModeImport); err != nil {
		return err
	}

	logFile := utils.SetLogFile(cfg.LogFile)
	defer logFile.Close()
	utils.SetDebug(cfg.Debug || debug)

	source, err := services.OpenRecordFile(file)
	if err != nil {
		return err
	}

	paths := services.ImportPaths(file)
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

	jira := api.NewJiraClient(cfg, api.NewRateLimiter(cfg.RateLimitDelay))
	if err := jira.CheckAuth(ctx); err != nil {
		return fmt.Errorf("jira authentication: %w", err)
	}

	store, err := services.OpenOutputStore(paths.Output)
	if err != nil {
		return err
	}
	defer store.Close()

	retry := services.NewRetryPolicy(cfg)
	transfer := services.NewAttachmentTransfer(cfg, nil, jira, retry)
	importer := services.NewMigrationService(cfg, source, jira, transfer, store, paths, session.RunID,
		services.WithPauseToken(pause))

	summary, err := importer.Run(ctx, session.Decision.Index)
	if summary != nil {
		if reportErr := services.WriteReport(paths.Output, paths.Report); reportErr != nil {
			utils.LogWarn("Could not write report: %v", reportErr)
		}
	}
	if err != nil {
		return err
	}

	utils.LogInfo("Import finished in %s: %s", time.Since(startTime), summary)
	return nil
}
