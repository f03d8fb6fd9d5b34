package main

import (
	"context"
	"log"
	"os"

	cli "github.com/jawher/mow.cli"

	"redminetojira/api"
	"redminetojira/config"
	"redminetojira/utils"
)

func main() {
	app := cli.App("auth_check", `Credential check tool

Verifies the Redmine API key (REDMINE_URL, REDMINE_API_KEY) and the Jira
credentials (JIRA_URL, JIRA_EMAIL, JIRA_API_TOKEN). A tracker whose URL is
not configured is skipped.`)

	app.Action = func() {
		if !run() {
			cli.Exit(1)
		}
	}
	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		cli.Exit(1)
	}
}

func run() bool {
	cfg, err := config.LoadConfig()
	if err != nil {
		utils.LogError("Could not load config: %v", err)
		return false
	}

	ctx := context.Background()
	limiter := api.NewRateLimiter(cfg.RateLimitDelay)
	ok := true

	if cfg.RedmineURL != "" {
		utils.LogInfo("Checking Redmine credentials...")
		if err := api.NewRedmineClient(cfg, limiter).CheckAuth(ctx); err != nil {
			utils.LogError("Redmine authentication failed: %v", err)
			ok = false
		} else {
			utils.LogInfo("Redmine authentication OK: %s", cfg.RedmineURL)
		}
	}

	if cfg.JiraURL != "" {
		utils.LogInfo("Checking Jira credentials...")
		if err := api.NewJiraClient(cfg, limiter).CheckAuth(ctx); err != nil {
			utils.LogError("Jira authentication failed: %v", err)
			ok = false
		} else {
			utils.LogInfo("Jira authentication OK: %s", cfg.JiraURL)
		}
	}

	if cfg.RedmineURL == "" && cfg.JiraURL == "" {
		utils.LogError("Neither REDMINE_URL nor JIRA_URL is set")
		return false
	}
	if !ok {
		utils.LogError("Check your credentials.")
	}
	return ok
}
