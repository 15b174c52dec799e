package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/subscriptiondb/internal/engine"
	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

// legacyFile is the container.json layout written by the file-based predecessor.
type legacyFile struct {
	Types     []string `json:"types"`
	Container []struct {
		TypeID   int    `json:"typeId"`
		Nickname string `json:"nickname"`
		List     []struct {
			Title     string `json:"title"`
			Href      string `json:"href"`
			Img       string `json:"img"`
			IsNoticed bool   `json:"isNoticed"`
		} `json:"list"`
	} `json:"container"`
}

type legacyEntry struct {
	req       model.AddRequest
	isNoticed bool
}

// ImportReport counts the outcome of an import.
type ImportReport struct {
	Accepted   int
	Duplicates int
	Rejected   int
	Noticed    int
}

func parseLegacy(r io.Reader) ([]legacyEntry, error) {
	var f legacyFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode container file: %w", err)
	}
	var out []legacyEntry
	for i, c := range f.Container {
		if c.TypeID < 0 || c.TypeID >= len(f.Types) {
			return nil, fmt.Errorf("container %d (%s): type id %d out of range", i, c.Nickname, c.TypeID)
		}
		for _, item := range c.List {
			out = append(out, legacyEntry{
				req: model.AddRequest{
					Type:     f.Types[c.TypeID],
					Nickname: c.Nickname,
					Title:    item.Title,
					Href:     item.Href,
					Img:      item.Img,
				},
				isNoticed: item.IsNoticed,
			})
		}
	}
	return out, nil
}

// importLegacy submits every entry through the add pipeline, waits for the drain and then
// notices the entries that were marked read.
func importLegacy(ctx context.Context, e *engine.Engine, entries []legacyEntry) (ImportReport, error) {
	var report ImportReport
	noticed := make(map[model.DedupKey]bool)
	for _, le := range entries {
		res, err := e.AddEntry(ctx, le.req)
		switch {
		case engine.IsValidationError(err):
			report.Rejected++
			continue
		case err != nil:
			return report, err
		case res == engine.AddAccepted:
			report.Accepted++
		default:
			report.Duplicates++
		}
		if le.isNoticed {
			noticed[le.req.Entry().Key()] = true
		}
	}
	if err := e.WaitIdle(ctx); err != nil {
		return report, err
	}
	if len(noticed) == 0 {
		return report, nil
	}

	view, err := e.UnnoticedContainers(ctx)
	if err != nil {
		return report, err
	}
	for _, c := range view.Container {
		for _, entry := range c.List {
			if !noticed[entry.Key()] {
				continue
			}
			if err := e.NoticeEntry(ctx, entry.ID); err != nil {
				return report, fmt.Errorf("notice entry %d: %w", entry.ID, err)
			}
			report.Noticed++
		}
	}
	return report, e.WaitIdle(ctx)
}

// NewImportJSONCommand creates the import-json command.
func NewImportJSONCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-json <container.json>",
		Short: "Import a legacy container.json file",
		Long: `Load entries from a legacy container.json file ({types, container:[{typeId,
nickname, list}]}) through the add pipeline. Entries already present are
reported as duplicates; entries marked isNoticed are noticed after import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open container file: %w", err)
			}
			defer f.Close()
			entries, err := parseLegacy(f)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stop, err := a.startEngine(cmd.Context())
			if err != nil {
				return err
			}
			report, err := importLegacy(cmd.Context(), a.engine, entries)
			if stopErr := stop(); err == nil {
				err = stopErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted=%d duplicates=%d rejected=%d noticed=%d\n",
				report.Accepted, report.Duplicates, report.Rejected, report.Noticed)
			return nil
		},
	}
}
