package services

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"redminetojira/models"
	"redminetojira/utils"
)

var reportHeaders = []string{
	"Run ID", "Index", "Redmine ID", "Subject", "Jira Key", "State",
	"Outcome", "Reason", "Warnings", "Missing Attachments", "Migrated At",
}

// WriteReport writes the outcome of every issue in the output file to a CSV
// report, one row per issue, keeping the latest record of each.
func WriteReport(outputPath, reportPath string) error {
	utils.LogInfo("Writing report %s", reportPath)

	latest := make(map[int]models.MigratedRecord)
	if err := ReadRecords(outputPath, func(rec models.MigratedRecord) error {
		latest[rec.Issue.ID] = rec
		return nil
	}); err != nil {
		return fmt.Errorf("read output: %w", err)
	}

	records := make([]models.MigratedRecord, 0, len(latest))
	for _, rec := range latest {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Issue.ID < records[j].Issue.ID })

	file, err := os.Create(reportPath)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(reportHeaders); err != nil {
		return fmt.Errorf("write report header: %w", err)
	}

	for _, rec := range records {
		if err := writer.Write(reportRow(rec)); err != nil {
			return fmt.Errorf("write report row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush report: %w", err)
	}

	utils.LogInfo("Report written: %d rows", len(records))
	return nil
}

func reportRow(rec models.MigratedRecord) []string {
	missing := make([]string, 0, len(rec.MissingAttachments))
	for _, ref := range rec.MissingAttachments {
		missing = append(missing, ref.Filename)
	}

	migratedAt := ""
	if !rec.MigratedAt.IsZero() {
		migratedAt = rec.MigratedAt.Format(time.RFC3339)
	}

	return []string{
		rec.RunID,
		strconv.Itoa(rec.Index),
		strconv.Itoa(rec.Issue.ID),
		issueSubject(rec.Issue),
		rec.DestinationKey,
		string(rec.State),
		string(rec.Outcome),
		rec.Reason,
		strings.Join(rec.Warnings, "; "),
		strings.Join(missing, ", "),
		migratedAt,
	}
}

func issueSubject(issue models.IssueRecord) string {
	raw, ok := issue.Field("subject")
	if !ok {
		return ""
	}
	var subject string
	if err := json.Unmarshal(raw, &subject); err != nil {
		return ""
	}
	return subject
}
