package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dbaas/dbaas/pkg/models"
)

var stdout io.Writer = os.Stdout

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable writes rows under header, tab aligned.
func printTable(header []string, rows [][]string) error {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func printDatabase(db *models.Database) error {
	if jsonOutput {
		return printJSON(db)
	}
	return printDatabases([]*models.Database{db})
}

func printDatabases(dbs []*models.Database) error {
	if jsonOutput {
		return printJSON(dbs)
	}
	rows := make([][]string, 0, len(dbs))
	for _, db := range dbs {
		rows = append(rows, []string{db.ID, db.Environment, db.Name, db.Plan, string(db.State), db.Project, db.FailedReason})
	}
	return printTable([]string{"ID", "ENVIRONMENT", "NAME", "PLAN", "STATE", "PROJECT", "REASON"}, rows)
}
