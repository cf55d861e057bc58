// Package cli holds the terminal rendering helpers the cobra commands
// share: the foreground progress display fed by the Progress Bus and
// the per-stage status table.
package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"

	"github.com/dubforge/dubforge/internal/progress"
	"github.com/dubforge/dubforge/internal/stage"
)

// RenderProgress consumes a task's bus subscription until the channel
// closes or a task-terminal message arrives, drawing one progress bar
// that tracks whichever stage reported last.
func RenderProgress(ch <-chan progress.Message) error {
	var bar *progressbar.ProgressBar
	current := ""

	for m := range ch {
		switch m.Type {
		case progress.TypeDone:
			if m.Stage == "task" {
				if bar != nil {
					_ = bar.Finish()
				}
				color.Green.Println("\nall stages done")
				return nil
			}
		case progress.TypeError:
			if bar != nil {
				_ = bar.Clear()
			}
			if m.Stage == "task" {
				color.Red.Printf("\ntask failed: %s\n", m.Error)
				return fmt.Errorf("%s", m.Error)
			}
		case progress.TypeProgress:
			label := m.Stage
			if m.Language != nil {
				label = fmt.Sprintf("%s [%s]", m.Stage, *m.Language)
			}
			if label != current {
				current = label
				bar = progressbar.NewOptions(100,
					progressbar.OptionSetDescription(label),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			if bar != nil {
				_ = bar.Set(m.Progress)
			}
		}
	}
	return nil
}

// statusColor maps a stage status onto the palette used by the status
// table.
func statusColor(s stage.Status) string {
	switch s {
	case stage.StatusDone:
		return color.Green.Sprint(string(s))
	case stage.StatusFailed, stage.StatusTimeout:
		return color.Red.Sprint(string(s))
	case stage.StatusRunning, stage.StatusCancelling:
		return color.Yellow.Sprint(string(s))
	default:
		return string(s)
	}
}

// RenderStatusTable prints the per-stage table for one task's state.
func RenderStatusTable(st *stage.State) {
	names := make([]string, 0, len(st.Stages))
	for name := range st.Stages {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Stage", "Status", "Attempts", "Error"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	for _, name := range names {
		rec := st.Stages[name]
		errMsg := ""
		if rec.LastError != nil {
			errMsg = rec.LastError.Error()
		}
		table.Append([]string{name, statusColor(rec.Status), fmt.Sprintf("%d", rec.Attempts), errMsg})
	}
	table.Render()

	if st.ModelSelection != nil {
		fmt.Printf("\nmodel: %s (%s)\n", st.ModelSelection.Name, st.ModelSelection.Path)
	}
}
