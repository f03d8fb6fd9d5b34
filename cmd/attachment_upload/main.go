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
	app := cli.App("attachment_upload", `Jira attachment upload tool

Transfers again the attachments that an earlier migration recorded as
missing, for every issue that already exists in Jira. Files are taken from
ATTACHMENTS_DIR when staged there and downloaded from Redmine otherwise.`)

	var (
		project        = app.StringOpt("p project", "", "Redmine project identifier of the migration")
		status         = app.StringOpt("s status", "", "status filter of the migration")
		priority       = app.StringOpt("priority", "", "priority filter of the migration")
		attachmentsDir = app.StringOpt("folder", "", "attachments folder (ATTACHMENTS_DIR when empty)")
		concurrent     = app.IntOpt("c concurrent", 0, "issues processed in parallel (0 uses MAX_CONCURRENT)")
	)

	app.Action = func() {
		if err := run(*project, *status, *priority, *attachmentsDir, *concurrent); err != nil {
			utils.LogError("Attachment upload failed: %v", err)
			cli.Exit(1)
		}
	}
	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		cli.Exit(1)
	}
}

func run(project, status, priority, attachmentsDir string, concurrent int) error {
	startTime := time.Now()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if attachmentsDir != "" {
		cfg.AttachmentsDir = attachmentsDir
		utils.LogInfo("Attachments folder: %s", cfg.AttachmentsDir)
	}
	if concurrent > 0 {
		cfg.MaxConcurrent = concurrent
	}
	if err := cfg.Validate(config.ModeMigrate); err != nil {
		return err
	}

	logFile := utils.SetLogFile(cfg.LogFile)
	defer logFile.Close()

	statusID, _, err := config.ResolveStatusFilter(status)
	if err != nil {
		return err
	}
	priorityID, err := config.ResolvePriorityFilter(priority)
	if err != nil {
		return err
	}
	paths := services.Paths(cfg.OutputDir, project, statusID, priorityID)
	if _, err := os.Stat(paths.Output); err != nil {
		return fmt.Errorf("no migration output for this project and filter: %w", err)
	}

	lock, err := services.AcquireRunLock(paths.Lock)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redmine := api.NewRedmineClient(cfg, api.NewRateLimiter(cfg.RateLimitDelay))
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
	transfer := services.NewAttachmentTransfer(cfg, redmine, jira, retry)
	migration := services.NewMigrationService(cfg, nil, jira, transfer, store, paths, services.NewRunID())

	uploaded, failed, err := migration.RetryMissingAttachments(ctx)
	if err != nil {
		return err
	}
	if reportErr := services.WriteReport(paths.Output, paths.Report); reportErr != nil {
		utils.LogWarn("Could not write report: %v", reportErr)
	}

	utils.LogInfo("Attachment upload finished in %s: uploaded=%d failed=%d", time.Since(startTime), uploaded, failed)
	return nil
}
